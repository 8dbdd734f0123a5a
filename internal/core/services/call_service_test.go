package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/ports"
	"mediconnect/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCallConfig() services.CallConfig {
	return services.CallConfig{
		ChannelOpenTimeout: 200 * time.Millisecond,
		ReconnectDelay:     10 * time.Millisecond,
		PollInterval:       15 * time.Millisecond,
		SettleDelay:        10 * time.Millisecond,
		NegotiationTimeout: 50 * time.Millisecond,
		RetryBackoff:       10 * time.Millisecond,
		MaxAttempts:        3,
	}
}

type fakeTrack struct {
	mu      sync.Mutex
	kind    domain.TrackKind
	id      string
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) ID() string             { return t.id }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquires int
	video    *fakeTrack
	audio    *fakeTrack
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		video: &fakeTrack{kind: domain.TrackVideo, id: "video-0", enabled: true},
		audio: &fakeTrack{kind: domain.TrackAudio, id: "audio-0", enabled: true},
	}
}

func (m *fakeMedia) Acquire(ctx context.Context) (*domain.MediaEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.err != nil {
		return nil, m.err
	}
	return &domain.MediaEndpoint{Tracks: []domain.LocalTrack{m.video, m.audio}}, nil
}

func (m *fakeMedia) Acquires() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires
}

type fakeDirectory struct {
	mu sync.Mutex

	peers     []domain.Participant
	createErr error
	listErr   error

	createCalls int
	listCalls   int
	endCalls    int
	registered  []domain.Participant
}

func (d *fakeDirectory) CreateSession(ctx context.Context, appointmentID domain.AppointmentID) (*domain.CallSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createCalls++
	if d.createErr != nil {
		return nil, d.createErr
	}
	return &domain.CallSession{
		ID:            "sess-1",
		RoomID:        domain.RoomID(fmt.Sprintf("room_%s", appointmentID)),
		AppointmentID: appointmentID,
		Status:        domain.SessionPending,
		CreatedAt:     time.Now(),
	}, nil
}

func (d *fakeDirectory) RegisterPeer(ctx context.Context, sessionID domain.SessionID, p domain.Participant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, p)
	return nil
}

func (d *fakeDirectory) Join(ctx context.Context, sessionID domain.SessionID) error {
	return nil
}

func (d *fakeDirectory) ListPeers(ctx context.Context, sessionID domain.SessionID) ([]domain.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listCalls++
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]domain.Participant, len(d.peers))
	copy(out, d.peers)
	return out, nil
}

func (d *fakeDirectory) EndSession(ctx context.Context, sessionID domain.SessionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endCalls++
	return nil
}

func (d *fakeDirectory) SetPeers(peers ...domain.Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = peers
}

func (d *fakeDirectory) ListCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listCalls
}

func (d *fakeDirectory) EndCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endCalls
}

func (d *fakeDirectory) CreateCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createCalls
}

type fakeChannel struct {
	mu sync.Mutex

	handlers ports.ChannelHandlers
	openErr  error
	sendErr  error

	opened  bool
	sends   []domain.PeerAddress
	cancels int
	closes  int
}

func (c *fakeChannel) Open(ctx context.Context, identity domain.Participant) (domain.PeerAddress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return "", c.openErr
	}
	c.opened = true
	return identity.Address, nil
}

func (c *fakeChannel) SendNegotiation(target domain.PeerAddress, local *domain.MediaEndpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sends = append(c.sends, target)
	return nil
}

func (c *fakeChannel) CancelNegotiation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeChannel) Sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func (c *fakeChannel) Cancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels
}

func (c *fakeChannel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeIncoming struct {
	mu       sync.Mutex
	from     domain.PeerAddress
	answered bool
	rejected bool
}

func (r *fakeIncoming) From() domain.PeerAddress { return r.from }

func (r *fakeIncoming) Answer(local *domain.MediaEndpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answered = true
	return nil
}

func (r *fakeIncoming) Reject() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = true
	return nil
}

func (r *fakeIncoming) Answered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answered
}

func (r *fakeIncoming) Rejected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

// callObserver records callback invocations for assertions.
type callObserver struct {
	mu       sync.Mutex
	states   chan domain.CallState
	starts   int
	ends     int
	errors   []string
	attached int
	local    int
}

func newCallObserver() *callObserver {
	return &callObserver{states: make(chan domain.CallState, 64)}
}

func (o *callObserver) callbacks() services.CallCallbacks {
	return services.CallCallbacks{
		OnStatusChanged: func(state domain.CallState) {
			o.states <- state
		},
		OnCallStart: func() {
			o.mu.Lock()
			o.starts++
			o.mu.Unlock()
		},
		OnCallEnd: func() {
			o.mu.Lock()
			o.ends++
			o.mu.Unlock()
		},
		OnError: func(kind, message string) {
			o.mu.Lock()
			o.errors = append(o.errors, kind)
			o.mu.Unlock()
		},
		OnLocalTracksReady: func() {
			o.mu.Lock()
			o.local++
			o.mu.Unlock()
		},
		OnRemoteStreamAttached: func() {
			o.mu.Lock()
			o.attached++
			o.mu.Unlock()
		},
	}
}

func (o *callObserver) waitForState(t *testing.T, want domain.CallState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-o.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func (o *callObserver) Starts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.starts
}

func (o *callObserver) Ends() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ends
}

func (o *callObserver) Errors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.errors))
	copy(out, o.errors)
	return out
}

func (o *callObserver) Attached() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attached
}

type testHarness struct {
	engine    *services.CallEngine
	directory *fakeDirectory
	media     *fakeMedia
	channel   *fakeChannel
	observer  *callObserver
}

func (h *testHarness) channelHandlers() ports.ChannelHandlers {
	h.channel.mu.Lock()
	defer h.channel.mu.Unlock()
	return h.channel.handlers
}

func newHarness(t *testing.T, role domain.Role) *testHarness {
	t.Helper()

	h := &testHarness{
		directory: &fakeDirectory{},
		media:     newFakeMedia(),
		channel:   &fakeChannel{},
		observer:  newCallObserver(),
	}
	factory := func(handlers ports.ChannelHandlers) (ports.SignalingChannel, error) {
		h.channel.mu.Lock()
		h.channel.handlers = handlers
		h.channel.mu.Unlock()
		return h.channel, nil
	}
	h.engine = services.NewCallEngine(
		testCallConfig(),
		h.directory,
		h.media,
		factory,
		domain.Participant{Role: role, Name: string(role)},
		h.observer.callbacks(),
		nil,
		nil,
	)
	t.Cleanup(func() {
		h.engine.End()
		select {
		case <-h.engine.Done():
		case <-time.After(3 * time.Second):
		}
	})
	return h
}

func counterpart(role domain.Role) domain.Participant {
	other := domain.RoleDoctor
	if role == domain.RoleDoctor {
		other = domain.RolePatient
	}
	return domain.Participant{
		Address: domain.PeerAddress(fmt.Sprintf("room_apt-1_%s_100", other)),
		Role:    other,
		Name:    string(other),
	}
}

func TestInitiatorReachesActive(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	peer := counterpart(domain.RolePatient)
	h.directory.SetPeers(peer)

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateConnecting)
	h.observer.waitForState(t, domain.StateDiscovering)
	h.observer.waitForState(t, domain.StateNegotiating)

	require.Eventually(t, func() bool { return h.channel.Sends() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, peer.Address, h.channel.sends[0])

	h.channelHandlers().OnRemoteMedia(&domain.RemoteMedia{From: peer.Address})
	h.observer.waitForState(t, domain.StateActive)

	assert.Equal(t, 1, h.observer.Starts())
	assert.Equal(t, 1, h.observer.Attached())

	// No further negotiation is initiated once the call is active.
	time.Sleep(4 * testCallConfig().PollInterval)
	assert.Equal(t, 1, h.channel.Sends())
	assert.Equal(t, domain.StateActive, h.engine.State())
}

func TestResponderWaitsAndAnswers(t *testing.T) {
	h := newHarness(t, domain.RoleDoctor)
	peer := counterpart(domain.RoleDoctor)
	h.directory.SetPeers(peer)

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateDiscovering)

	// The responder sees the counterpart but never initiates.
	time.Sleep(4 * testCallConfig().PollInterval)
	assert.Zero(t, h.channel.Sends())
	assert.Equal(t, domain.StateDiscovering, h.engine.State())

	req := &fakeIncoming{from: peer.Address}
	h.channelHandlers().OnIncomingNegotiation(req)
	h.observer.waitForState(t, domain.StateNegotiating)
	require.Eventually(t, req.Answered, time.Second, 5*time.Millisecond)

	h.channelHandlers().OnRemoteMedia(&domain.RemoteMedia{From: peer.Address})
	h.observer.waitForState(t, domain.StateActive)
	assert.Equal(t, 1, h.observer.Starts())
}

func TestNegotiationTimeoutExhaustsAttempts(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	h.directory.SetPeers(counterpart(domain.RolePatient))

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateNegotiating)

	// No remote media ever arrives: the engine retries with backoff and gives
	// up after the attempt budget.
	h.observer.waitForState(t, domain.StateError)

	assert.Equal(t, 3, h.channel.Sends())
	assert.GreaterOrEqual(t, h.channel.Cancels(), 3)
	require.NotEmpty(t, h.observer.Errors())
	assert.Equal(t, "negotiation", h.observer.Errors()[0])
}

func TestManualRetryResetsAttemptBudget(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	peer := counterpart(domain.RolePatient)
	h.directory.SetPeers(peer)

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateError)
	require.Equal(t, 3, h.channel.Sends())

	h.engine.Retry()
	h.observer.waitForState(t, domain.StateDiscovering)
	h.observer.waitForState(t, domain.StateNegotiating)
	require.Eventually(t, func() bool { return h.channel.Sends() == 4 }, time.Second, 5*time.Millisecond)

	h.channelHandlers().OnRemoteMedia(&domain.RemoteMedia{From: peer.Address})
	h.observer.waitForState(t, domain.StateActive)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	peer := counterpart(domain.RolePatient)
	h.directory.SetPeers(peer)

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateNegotiating)
	h.channelHandlers().OnRemoteMedia(&domain.RemoteMedia{From: peer.Address})
	h.observer.waitForState(t, domain.StateActive)

	h.engine.End()
	h.observer.waitForState(t, domain.StateEnded)
	<-h.engine.Done()
	h.engine.End()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, h.observer.Ends())
	assert.Equal(t, 1, h.directory.EndCalls())
	assert.Equal(t, 1, h.channel.Closes())
	assert.True(t, h.media.video.Stopped())
	assert.True(t, h.media.audio.Stopped())
}

func TestPeerDropReturnsToDiscovery(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	peer := counterpart(domain.RolePatient)
	h.directory.SetPeers(peer)

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateNegotiating)
	h.channelHandlers().OnRemoteMedia(&domain.RemoteMedia{From: peer.Address})
	h.observer.waitForState(t, domain.StateActive)

	h.channelHandlers().OnPeerGone(peer.Address)
	h.observer.waitForState(t, domain.StateDiscovering)

	// The session stays open and a rediscovered peer is called again.
	h.observer.waitForState(t, domain.StateNegotiating)
	require.Eventually(t, func() bool { return h.channel.Sends() == 2 }, time.Second, 5*time.Millisecond)
	h.channelHandlers().OnRemoteMedia(&domain.RemoteMedia{From: peer.Address})
	h.observer.waitForState(t, domain.StateActive)
	assert.Equal(t, 2, h.observer.Starts())
	assert.Equal(t, 0, h.directory.EndCalls())
}

func TestMediaFailureIsFatalBeforeDirectory(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	h.media.err = errors.New("device busy")

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateError)

	require.NotEmpty(t, h.observer.Errors())
	assert.Equal(t, "media", h.observer.Errors()[0])
	assert.Zero(t, h.directory.CreateCalls())
}

func TestIncomingRejectedOutsideDiscovery(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	peer := counterpart(domain.RolePatient)
	h.directory.SetPeers(peer)

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateNegotiating)

	req := &fakeIncoming{from: "room_apt-1_doctor_200"}
	h.channelHandlers().OnIncomingNegotiation(req)
	require.Eventually(t, req.Rejected, time.Second, 5*time.Millisecond)
	assert.False(t, req.Answered())
}

func TestDirectoryErrorsKeepPolling(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	h.directory.mu.Lock()
	h.directory.listErr = errors.New("directory unavailable")
	h.directory.mu.Unlock()

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateDiscovering)

	require.Eventually(t, func() bool { return h.directory.ListCalls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateDiscovering, h.engine.State())
	assert.Empty(t, h.observer.Errors())
}

func TestToggleMutatesTracksInPlace(t *testing.T) {
	h := newHarness(t, domain.RolePatient)

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateDiscovering)

	assert.False(t, h.engine.ToggleVideo())
	assert.True(t, h.engine.ToggleVideo())
	assert.False(t, h.engine.ToggleAudio())

	// Toggling flips the originally acquired tracks; nothing is re-acquired.
	assert.Equal(t, 1, h.media.Acquires())
	assert.True(t, h.media.video.Enabled())
	assert.False(t, h.media.audio.Enabled())
}

func TestRefreshDiscoveryForcesImmediatePoll(t *testing.T) {
	h := newHarness(t, domain.RolePatient)

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateDiscovering)

	before := h.directory.ListCalls()
	h.engine.RefreshDiscovery()
	require.Eventually(t, func() bool { return h.directory.ListCalls() > before }, time.Second, 2*time.Millisecond)
}

func TestSelfAndSameRoleEntriesIgnored(t *testing.T) {
	h := newHarness(t, domain.RolePatient)
	// Only a same-role entry is visible; the engine must keep waiting.
	h.directory.SetPeers(domain.Participant{
		Address: "room_apt-1_patient_999",
		Role:    domain.RolePatient,
		Name:    "other patient",
	})

	require.NoError(t, h.engine.Start("apt-1"))
	h.observer.waitForState(t, domain.StateDiscovering)

	time.Sleep(4 * testCallConfig().PollInterval)
	assert.Zero(t, h.channel.Sends())
	assert.Equal(t, domain.StateDiscovering, h.engine.State())
}

// gatedMedia holds the permission prompt open until the gate closes, then
// grants tracks regardless of what happened to the call in the meantime.
type gatedMedia struct {
	gate  chan struct{}
	video *fakeTrack
	audio *fakeTrack
}

func (m *gatedMedia) Acquire(ctx context.Context) (*domain.MediaEndpoint, error) {
	<-m.gate
	return &domain.MediaEndpoint{Tracks: []domain.LocalTrack{m.video, m.audio}}, nil
}

func TestMediaGrantedAfterEndIsReleased(t *testing.T) {
	media := &gatedMedia{
		gate:  make(chan struct{}),
		video: &fakeTrack{kind: domain.TrackVideo, id: "video-0", enabled: true},
		audio: &fakeTrack{kind: domain.TrackAudio, id: "audio-0", enabled: true},
	}
	observer := newCallObserver()
	channel := &fakeChannel{}
	factory := func(handlers ports.ChannelHandlers) (ports.SignalingChannel, error) {
		return channel, nil
	}
	engine := services.NewCallEngine(
		testCallConfig(),
		&fakeDirectory{},
		media,
		factory,
		domain.Participant{Role: domain.RolePatient, Name: "patient"},
		observer.callbacks(),
		nil,
		nil,
	)

	require.NoError(t, engine.Start("apt-1"))
	observer.waitForState(t, domain.StateConnecting)

	engine.End()
	select {
	case <-engine.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("teardown did not complete")
	}

	// The permission prompt resolves only now; the tracks it grants have no
	// owner left and must be stopped.
	close(media.gate)
	require.Eventually(t, func() bool {
		return media.video.Stopped() && media.audio.Stopped()
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, observer.Ends())
}
