package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/ports"
	"mediconnect/pkg/config"
	"mediconnect/pkg/eventlog"
	"mediconnect/pkg/utils"

	"go.uber.org/zap"
)

// CallCallbacks is the surface exposed to the UI collaborator. All callbacks
// are invoked from the engine goroutine; implementations must not block.
type CallCallbacks struct {
	OnCallStart            func()
	OnCallEnd              func()
	OnError                func(kind, message string)
	OnLocalTracksReady     func()
	OnRemoteStreamAttached func()
	OnStatusChanged        func(state domain.CallState)
}

// CallMetrics receives state-machine observations. Nil-safe via noopMetrics.
type CallMetrics interface {
	ObserveStateChange(state domain.CallState)
	ObserveNegotiation(outcome domain.AttemptOutcome)
}

type noopMetrics struct{}

func (noopMetrics) ObserveStateChange(domain.CallState)      {}
func (noopMetrics) ObserveNegotiation(domain.AttemptOutcome) {}

// CallConfig carries the named timing parameters of the call-setup flow.
type CallConfig struct {
	ChannelOpenTimeout time.Duration
	ReconnectDelay     time.Duration
	PollInterval       time.Duration
	SettleDelay        time.Duration
	NegotiationTimeout time.Duration
	RetryBackoff       time.Duration
	MaxAttempts        int
}

// CallConfigFrom extracts the call section of the application config.
func CallConfigFrom(cfg *config.Config) CallConfig {
	return CallConfig{
		ChannelOpenTimeout: cfg.Call.ChannelOpenTimeout,
		ReconnectDelay:     cfg.Call.ReconnectDelay,
		PollInterval:       cfg.Call.PollInterval,
		SettleDelay:        cfg.Call.SettleDelay,
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
		RetryBackoff:       cfg.Call.RetryBackoff,
		MaxAttempts:        cfg.Call.MaxAttempts,
	}
}

type eventKind int

const (
	evStart eventKind = iota
	evMediaReady
	evMediaFailed
	evSessionCreated
	evSessionFailed
	evChannelOpened
	evChannelFailed
	evRegistered
	evRegisterFailed
	evPollTick
	evPollResult
	evSettleElapsed
	evIncoming
	evRemoteMedia
	evNegotiationFailed
	evNegotiationTimeout
	evRetryElapsed
	evPeerGone
	evChannelDown
	evChannelUp
	evManualRetry
	evRefresh
	evEnd
)

type engineEvent struct {
	kind     eventKind
	epoch    uint64
	err      error
	endpoint *domain.MediaEndpoint
	session  *domain.CallSession
	addr     domain.PeerAddress
	peers    []domain.Participant
	remote   *domain.RemoteMedia
	incoming ports.IncomingNegotiation
}

const (
	timerPoll        = "poll"
	timerSettle      = "settle"
	timerNegotiation = "negotiation"
	timerRetry       = "retry"
)

// CallEngine owns the full lifecycle of one call: media acquisition, session
// creation, channel open, peer discovery and negotiation, with bounded
// retries. All transitions are serialized through a single event loop; every
// external callback becomes an event validated against the current state
// before it acts.
type CallEngine struct {
	cfg        CallConfig
	directory  ports.SessionDirectory
	media      ports.MediaAcquirer
	newChannel ports.ChannelFactory
	callbacks  CallCallbacks
	metrics    CallMetrics
	logger     *zap.SugaredLogger
	events     *eventlog.Log

	identity      domain.Participant
	appointmentID domain.AppointmentID

	ctx    context.Context
	cancel context.CancelFunc
	evCh   chan engineEvent
	done   chan struct{}

	started atomic.Bool
	visible atomic.Value // domain.CallState, readable from any goroutine
	local   atomic.Pointer[domain.MediaEndpoint]

	// Everything below is owned by the loop goroutine.
	state         domain.CallState
	epoch         uint64
	session       *domain.CallSession
	channel       ports.SignalingChannel
	selfAddr      domain.PeerAddress
	remote        *domain.RemoteMedia
	attempt       *domain.NegotiationAttempt
	attemptCount  int
	pendingTarget domain.PeerAddress
	pollInFlight  bool
	timers        map[string]*time.Timer
	lastError     string
}

// NewCallEngine builds an engine for one participant of one consultation.
func NewCallEngine(
	cfg CallConfig,
	directory ports.SessionDirectory,
	media ports.MediaAcquirer,
	newChannel ports.ChannelFactory,
	identity domain.Participant,
	callbacks CallCallbacks,
	metrics CallMetrics,
	logger *zap.SugaredLogger,
) *CallEngine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &CallEngine{
		cfg:        cfg,
		directory:  directory,
		media:      media,
		newChannel: newChannel,
		callbacks:  callbacks,
		metrics:    metrics,
		logger:     logger,
		events:     eventlog.New(64),
		identity:   identity,
		ctx:        ctx,
		cancel:     cancel,
		evCh:       make(chan engineEvent, 64),
		done:       make(chan struct{}),
		state:      domain.StateIdle,
		timers:     make(map[string]*time.Timer),
	}
	e.visible.Store(domain.StateIdle)
	return e
}

// Start begins call setup for the given appointment. It returns immediately;
// progress is reported through the callbacks.
func (e *CallEngine) Start(appointmentID domain.AppointmentID) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("call already started")
	}
	e.appointmentID = appointmentID
	go e.run()
	e.post(engineEvent{kind: evStart})
	return nil
}

// End tears the call down from any state. Idempotent: the second and later
// calls are no-ops and OnCallEnd fires exactly once. Component teardown must
// invoke the same path.
func (e *CallEngine) End() {
	e.post(engineEvent{kind: evEnd})
}

// Retry resets the attempt budget and restarts discovery after the engine
// entered the error state.
func (e *CallEngine) Retry() {
	e.post(engineEvent{kind: evManualRetry})
}

// RefreshDiscovery forces an immediate discovery poll, mirroring the manual
// refresh affordance in the consultation UI.
func (e *CallEngine) RefreshDiscovery() {
	e.post(engineEvent{kind: evRefresh})
}

// ToggleVideo flips the local video track in place and reports the new
// enabled flag. Safe in any state, including before negotiation completes.
func (e *CallEngine) ToggleVideo() bool {
	if local := e.local.Load(); local != nil {
		on := local.ToggleVideo()
		e.events.Addf("camera %s", onOff(on))
		return on
	}
	return false
}

// ToggleAudio flips the local audio track in place.
func (e *CallEngine) ToggleAudio() bool {
	if local := e.local.Load(); local != nil {
		on := local.ToggleAudio()
		e.events.Addf("microphone %s", onOff(on))
		return on
	}
	return false
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// State reports the current call state.
func (e *CallEngine) State() domain.CallState {
	return e.visible.Load().(domain.CallState)
}

// StatusText returns the user-facing status line for the current state.
func (e *CallEngine) StatusText() string {
	return StatusText(e.State())
}

// EventLog returns the recorded call events, oldest first.
func (e *CallEngine) EventLog() []eventlog.Entry {
	return e.events.Entries()
}

// Done is closed once teardown has completed.
func (e *CallEngine) Done() <-chan struct{} {
	return e.done
}

// post delivers an event to the loop and reports whether the loop was still
// there to receive it. After teardown events are refused; producers carrying
// resources must release them when delivery fails.
func (e *CallEngine) post(ev engineEvent) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case <-e.done:
		return false
	case e.evCh <- ev:
		return true
	}
}

func (e *CallEngine) run() {
	for ev := range e.evCh {
		if ev.epoch != 0 && ev.epoch != e.epoch {
			e.discard(ev) // fenced: armed before a state transition invalidated it
			continue
		}
		if e.handle(ev); e.state == domain.StateEnded {
			break
		}
	}
	// Events that were already queued when teardown completed still carry
	// resources the loop now owns.
	for {
		select {
		case ev := <-e.evCh:
			e.discard(ev)
		default:
			return
		}
	}
}

// discard releases whatever an event that will never be handled carries.
func (e *CallEngine) discard(ev engineEvent) {
	if ev.endpoint != nil {
		ev.endpoint.Release()
	}
}

func (e *CallEngine) handle(ev engineEvent) {
	switch ev.kind {
	case evStart:
		e.handleStart()
	case evMediaReady:
		e.handleMediaReady(ev.endpoint)
	case evMediaFailed:
		e.fail("media", "Failed to access camera/microphone", ev.err)
	case evSessionCreated:
		e.handleSessionCreated(ev.session)
	case evSessionFailed:
		e.fail("directory", "Failed to create video session", ev.err)
	case evChannelOpened:
		e.handleChannelOpened(ev.addr)
	case evChannelFailed:
		e.fail("channel", "Failed to open signaling channel", ev.err)
	case evRegistered:
		e.handleRegistered()
	case evRegisterFailed:
		e.fail("directory", "Failed to register with session", ev.err)
	case evPollTick:
		e.handlePollTick()
	case evPollResult:
		e.handlePollResult(ev.peers, ev.err)
	case evSettleElapsed:
		e.handleSettleElapsed(ev.addr)
	case evIncoming:
		e.handleIncoming(ev.incoming)
	case evRemoteMedia:
		e.handleRemoteMedia(ev.remote)
	case evNegotiationFailed:
		e.handleNegotiationFailure(domain.AttemptFailedError, ev.err)
	case evNegotiationTimeout:
		e.handleNegotiationFailure(domain.AttemptFailedTimeout, domain.ErrNegotiationTimeout)
	case evRetryElapsed:
		e.handleRetryElapsed(ev.addr)
	case evPeerGone:
		e.handlePeerGone(ev.addr)
	case evChannelDown:
		e.events.Add("signaling connection lost, reconnecting")
		e.logger.Warnw("signaling channel disconnected", "state", e.state)
	case evChannelUp:
		e.events.Add("signaling connection restored")
		e.logger.Infow("signaling channel reconnected", "state", e.state)
	case evManualRetry:
		e.handleManualRetry()
	case evRefresh:
		e.handleRefresh()
	case evEnd:
		e.handleEnd()
	}
}

// setState performs a transition: it bumps the timer epoch so that anything
// armed for the previous state is fenced out, then notifies observers.
func (e *CallEngine) setState(next domain.CallState) {
	if e.state == next {
		return
	}
	e.logger.Infow("call state changed", "from", e.state, "to", next)
	e.state = next
	e.epoch++
	e.visible.Store(next)
	e.metrics.ObserveStateChange(next)
	if e.callbacks.OnStatusChanged != nil {
		e.callbacks.OnStatusChanged(next)
	}
}

func (e *CallEngine) armTimer(name string, d time.Duration, mk func(epoch uint64) engineEvent) {
	e.stopTimer(name)
	epoch := e.epoch
	e.timers[name] = time.AfterFunc(d, func() {
		e.post(mk(epoch))
	})
}

func (e *CallEngine) stopTimer(name string) {
	if t, ok := e.timers[name]; ok {
		t.Stop()
		delete(e.timers, name)
	}
}

func (e *CallEngine) stopAllTimers() {
	for name, t := range e.timers {
		t.Stop()
		delete(e.timers, name)
	}
}

// fail moves the engine to the error state and surfaces the failure. Setup
// errors halt progress pending user action; they never tear the engine down
// on their own.
func (e *CallEngine) fail(kind, message string, err error) {
	if e.state == domain.StateEnded || e.state == domain.StateError {
		return
	}
	e.logger.Errorw("call error", "kind", kind, "error", err)
	e.events.Addf("%s: %v", message, err)
	e.lastError = message
	e.stopAllTimers()
	e.pendingTarget = ""
	if e.attempt != nil {
		e.attempt.Finalize(domain.AttemptFailedError)
		e.attempt = nil
	}
	e.setState(domain.StateError)
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(kind, message)
	}
}

// --- setup chain -----------------------------------------------------------

func (e *CallEngine) handleStart() {
	if e.state != domain.StateIdle {
		return
	}
	e.events.Add("initializing video call")
	e.setState(domain.StateConnecting)

	// Media must be acquired (or fail) before the channel opens so that an
	// incoming negotiation request always has local tracks ready.
	epoch := e.epoch
	go func() {
		endpoint, err := e.media.Acquire(e.ctx)
		if err != nil {
			e.post(engineEvent{kind: evMediaFailed, epoch: epoch, err: err})
			return
		}
		if !e.post(engineEvent{kind: evMediaReady, epoch: epoch, endpoint: endpoint}) {
			// The call ended while the permission prompt was pending; nothing
			// else owns these tracks.
			endpoint.Release()
		}
	}()
}

func (e *CallEngine) handleMediaReady(endpoint *domain.MediaEndpoint) {
	if e.state != domain.StateConnecting {
		endpoint.Release()
		return
	}
	e.local.Store(endpoint)
	e.events.Add("camera and microphone initialized")
	if e.callbacks.OnLocalTracksReady != nil {
		e.callbacks.OnLocalTracksReady()
	}

	epoch := e.epoch
	go func() {
		session, err := e.directory.CreateSession(e.ctx, e.appointmentID)
		if err != nil {
			e.post(engineEvent{kind: evSessionFailed, epoch: epoch, err: err})
			return
		}
		e.post(engineEvent{kind: evSessionCreated, epoch: epoch, session: session})
	}()
}

func (e *CallEngine) handleSessionCreated(session *domain.CallSession) {
	if e.state != domain.StateConnecting {
		return
	}
	e.session = session
	e.events.Addf("created session %s", session.RoomID)

	channel, err := e.newChannel(ports.ChannelHandlers{
		OnIncomingNegotiation: func(req ports.IncomingNegotiation) {
			e.post(engineEvent{kind: evIncoming, incoming: req})
		},
		OnRemoteMedia: func(remote *domain.RemoteMedia) {
			e.post(engineEvent{kind: evRemoteMedia, remote: remote})
		},
		OnNegotiationFailed: func(err error) {
			e.post(engineEvent{kind: evNegotiationFailed, err: err})
		},
		OnPeerGone: func(addr domain.PeerAddress) {
			e.post(engineEvent{kind: evPeerGone, addr: addr})
		},
		OnDisconnected: func() {
			e.post(engineEvent{kind: evChannelDown})
		},
		OnReconnected: func() {
			e.post(engineEvent{kind: evChannelUp})
		},
	})
	if err != nil {
		e.fail("channel", "Failed to create signaling channel", err)
		return
	}
	e.channel = channel

	identity := e.identity
	identity.Address = domain.PeerAddress(
		utils.GeneratePeerAddress(string(session.RoomID), string(identity.Role)))

	epoch := e.epoch
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ChannelOpenTimeout)
		defer cancel()
		addr, err := channel.Open(ctx, identity)
		if err != nil {
			e.post(engineEvent{kind: evChannelFailed, epoch: epoch, err: err})
			return
		}
		e.post(engineEvent{kind: evChannelOpened, epoch: epoch, addr: addr})
	}()
}

func (e *CallEngine) handleChannelOpened(addr domain.PeerAddress) {
	if e.state != domain.StateConnecting {
		return
	}
	e.selfAddr = addr
	e.identity.Address = addr
	e.events.Addf("connected with peer id %s", addr)

	// Registration must follow channel open: an unregistered peer cannot be
	// discovered, and an unopened peer cannot be called.
	epoch := e.epoch
	identity := e.identity
	sessionID := e.session.ID
	go func() {
		if err := e.directory.RegisterPeer(e.ctx, sessionID, identity); err != nil {
			e.post(engineEvent{kind: evRegisterFailed, epoch: epoch, err: err})
			return
		}
		if err := e.directory.Join(e.ctx, sessionID); err != nil {
			e.logger.Warnw("session join failed", "session_id", sessionID, "error", err)
		}
		e.post(engineEvent{kind: evRegistered, epoch: epoch})
	}()
}

func (e *CallEngine) handleRegistered() {
	if e.state != domain.StateConnecting {
		return
	}
	e.events.Add("registered with session")
	e.enterDiscovering()
}

// --- discovery -------------------------------------------------------------

func (e *CallEngine) enterDiscovering() {
	e.setState(domain.StateDiscovering)
	e.pollInFlight = false
	e.pendingTarget = ""
	e.schedulePoll(0)
}

func (e *CallEngine) schedulePoll(d time.Duration) {
	e.armTimer(timerPoll, d, func(epoch uint64) engineEvent {
		return engineEvent{kind: evPollTick, epoch: epoch}
	})
}

func (e *CallEngine) handlePollTick() {
	if e.state != domain.StateDiscovering {
		return
	}
	e.schedulePoll(e.cfg.PollInterval)

	// An in-flight poll suppresses this tick, as does a pending or in-flight
	// negotiation.
	if e.pollInFlight || e.attempt != nil || e.pendingTarget != "" {
		return
	}
	e.launchPoll()
}

func (e *CallEngine) launchPoll() {
	e.pollInFlight = true
	epoch := e.epoch
	sessionID := e.session.ID
	go func() {
		peers, err := e.directory.ListPeers(e.ctx, sessionID)
		e.post(engineEvent{kind: evPollResult, epoch: epoch, peers: peers, err: err})
	}()
}

func (e *CallEngine) handlePollResult(peers []domain.Participant, err error) {
	e.pollInFlight = false
	if e.state != domain.StateDiscovering {
		return
	}
	if err != nil {
		// Zero peers and transient directory errors both mean: keep polling.
		e.logger.Warnw("peer discovery failed", "error", err)
		e.events.Add("peer discovery failed, retrying")
		return
	}

	counterpart, found := e.selectCounterpart(peers)
	if !found {
		return
	}
	e.events.Addf("found participant %s (%s)", counterpart.Name, counterpart.Role)

	if e.identity.Role != domain.InitiatorRole {
		// Responder side never initiates; it waits for the incoming request.
		return
	}
	if e.attempt != nil || e.pendingTarget != "" {
		return
	}

	// Give the counterpart's channel registration time to land before
	// calling.
	e.pendingTarget = counterpart.Address
	target := counterpart.Address
	e.armTimer(timerSettle, e.cfg.SettleDelay, func(epoch uint64) engineEvent {
		return engineEvent{kind: evSettleElapsed, epoch: epoch, addr: target}
	})
}

// selectCounterpart filters the peer list down to the one legitimate
// counterpart: not self, not the same role. Role asymmetry guarantees at
// most one such entry matters.
func (e *CallEngine) selectCounterpart(peers []domain.Participant) (domain.Participant, bool) {
	for _, p := range peers {
		if p.Address == e.selfAddr || p.Role == e.identity.Role {
			continue
		}
		return p, true
	}
	return domain.Participant{}, false
}

func (e *CallEngine) handleSettleElapsed(target domain.PeerAddress) {
	if e.state != domain.StateDiscovering || e.attempt != nil {
		return
	}
	e.pendingTarget = ""
	e.startNegotiation(target)
}

// --- negotiation -----------------------------------------------------------

func (e *CallEngine) startNegotiation(target domain.PeerAddress) {
	// Close any previous attempt at the transport level before starting a
	// new one; stale peer-connection state must not leak across attempts.
	if err := e.channel.CancelNegotiation(); err != nil {
		e.logger.Warnw("cancel previous negotiation failed", "error", err)
	}

	e.attemptCount++
	e.attempt = &domain.NegotiationAttempt{
		Target:    target,
		Number:    e.attemptCount,
		StartedAt: time.Now(),
		Outcome:   domain.AttemptPending,
	}
	e.events.Addf("initiating call to %s (attempt %d)", target, e.attemptCount)
	e.setState(domain.StateNegotiating)
	e.armTimer(timerNegotiation, e.cfg.NegotiationTimeout, func(epoch uint64) engineEvent {
		return engineEvent{kind: evNegotiationTimeout, epoch: epoch}
	})

	if err := e.channel.SendNegotiation(target, e.local.Load()); err != nil {
		e.handleNegotiationFailure(domain.AttemptFailedError, err)
	}
}

func (e *CallEngine) handleIncoming(req ports.IncomingNegotiation) {
	// Only one negotiation may be outstanding; anything arriving while
	// already negotiating or active is rejected, not double-processed.
	if e.state != domain.StateDiscovering {
		e.logger.Infow("rejecting incoming negotiation", "from", req.From(), "state", e.state)
		if err := req.Reject(); err != nil {
			e.logger.Warnw("reject failed", "error", err)
		}
		return
	}

	e.stopTimer(timerSettle)
	e.pendingTarget = ""
	e.attemptCount++
	e.attempt = &domain.NegotiationAttempt{
		Target:    req.From(),
		Number:    e.attemptCount,
		StartedAt: time.Now(),
		Outcome:   domain.AttemptPending,
	}
	e.events.Addf("incoming call from %s", req.From())
	e.setState(domain.StateNegotiating)
	e.armTimer(timerNegotiation, e.cfg.NegotiationTimeout, func(epoch uint64) engineEvent {
		return engineEvent{kind: evNegotiationTimeout, epoch: epoch}
	})

	// Local tracks exist before the channel ever opens, so answering is
	// always possible here.
	if err := req.Answer(e.local.Load()); err != nil {
		e.handleNegotiationFailure(domain.AttemptFailedError, err)
	}
}

func (e *CallEngine) handleRemoteMedia(remote *domain.RemoteMedia) {
	if e.state != domain.StateNegotiating {
		e.logger.Infow("dropping remote media outside negotiation", "state", e.state)
		return
	}
	e.attempt.Finalize(domain.AttemptSucceeded)
	e.metrics.ObserveNegotiation(domain.AttemptSucceeded)
	e.attempt = nil
	e.attemptCount = 0
	e.remote = remote
	e.events.Add("remote video stream connected")

	// Entering active bumps the epoch, which disarms the negotiation
	// timeout and stops discovery in one stroke.
	e.setState(domain.StateActive)
	e.stopAllTimers()
	if e.callbacks.OnRemoteStreamAttached != nil {
		e.callbacks.OnRemoteStreamAttached()
	}
	if e.callbacks.OnCallStart != nil {
		e.callbacks.OnCallStart()
	}
}

func (e *CallEngine) handleNegotiationFailure(outcome domain.AttemptOutcome, err error) {
	if e.state != domain.StateNegotiating {
		return
	}
	e.attempt.Finalize(outcome)
	e.metrics.ObserveNegotiation(outcome)
	target := e.attempt.Target
	e.attempt = nil
	e.stopTimer(timerNegotiation)

	if cancelErr := e.channel.CancelNegotiation(); cancelErr != nil {
		e.logger.Warnw("cancel negotiation failed", "error", cancelErr)
	}

	if e.attemptCount >= e.cfg.MaxAttempts {
		e.events.Addf("negotiation failed after %d attempts: %v", e.attemptCount, err)
		e.lastError = "Connection error"
		e.setState(domain.StateError)
		if e.callbacks.OnError != nil {
			e.callbacks.OnError("negotiation", fmt.Sprintf("connection failed after %d attempts", e.attemptCount))
		}
		return
	}

	e.events.Addf("negotiation attempt %d failed: %v, retrying", e.attemptCount, err)
	e.setState(domain.StateDiscovering)
	if e.identity.Role == domain.InitiatorRole {
		e.armTimer(timerRetry, e.cfg.RetryBackoff, func(epoch uint64) engineEvent {
			return engineEvent{kind: evRetryElapsed, epoch: epoch, addr: target}
		})
	} else {
		// Responder cannot re-initiate; resume polling and wait for the next
		// incoming request.
		e.schedulePoll(e.cfg.RetryBackoff)
	}
}

func (e *CallEngine) handleRetryElapsed(target domain.PeerAddress) {
	if e.state != domain.StateDiscovering || e.attempt != nil {
		return
	}
	e.startNegotiation(target)
}

// --- active / recovery -----------------------------------------------------

func (e *CallEngine) handlePeerGone(addr domain.PeerAddress) {
	switch e.state {
	case domain.StateActive:
		// Remote side hung up or dropped: clear remote media, keep local
		// tracks, go back to discovering while the session remains open.
		e.remote = nil
		e.events.Add("remote participant left the call")
		e.enterDiscovering()
	case domain.StateNegotiating:
		if e.attempt != nil && e.attempt.Target == addr {
			e.handleNegotiationFailure(domain.AttemptFailedError, domain.ErrPeerUnavailable)
		}
	default:
	}
}

func (e *CallEngine) handleManualRetry() {
	if e.state != domain.StateError && e.state != domain.StateDiscovering {
		return
	}
	if e.channel == nil || e.session == nil {
		e.logger.Warnw("retry unavailable before setup completed", "state", e.state)
		return
	}
	e.attemptCount = 0
	e.attempt = nil
	e.lastError = ""
	e.events.Add("retrying connection")
	e.enterDiscovering()
}

func (e *CallEngine) handleRefresh() {
	if e.state != domain.StateDiscovering {
		return
	}
	if e.pollInFlight || e.attempt != nil || e.pendingTarget != "" {
		return
	}
	e.events.Add("manually refreshing peer discovery")
	e.launchPoll()
}

// --- teardown --------------------------------------------------------------

// handleEnd runs the full teardown sequence. Each step's failure is logged
// and swallowed so the sequence always completes and OnCallEnd is always
// invoked.
func (e *CallEngine) handleEnd() {
	if e.state == domain.StateEnded {
		return
	}
	if e.attempt != nil {
		e.attempt.Finalize(domain.AttemptFailedError)
		e.attempt = nil
	}

	e.setState(domain.StateEnded)
	e.stopAllTimers()
	e.pollInFlight = false
	e.pendingTarget = ""
	e.remote = nil

	if local := e.local.Load(); local != nil {
		local.Release()
	}

	if e.channel != nil {
		if err := e.channel.CancelNegotiation(); err != nil {
			e.logger.Warnw("cancel negotiation during teardown failed", "error", err)
		}
		if err := e.channel.Close(); err != nil {
			e.logger.Warnw("channel close failed", "error", err)
		}
	}

	if e.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.directory.EndSession(ctx, e.session.ID); err != nil {
			e.logger.Warnw("session end notification failed", "session_id", e.session.ID, "error", err)
		}
		cancel()
	}

	e.cancel()
	e.events.Add("call ended")
	if e.callbacks.OnCallEnd != nil {
		e.callbacks.OnCallEnd()
	}
	close(e.done)
}
