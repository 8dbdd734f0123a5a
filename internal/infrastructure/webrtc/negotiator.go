package webrtc

import (
	"fmt"
	"sync"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/pkg/config"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const pliInterval = 3 * time.Second

// LocalTrackProvider is implemented by local tracks that carry a pion track
// underneath. The negotiator only accepts such tracks.
type LocalTrackProvider interface {
	WebRTCTrack() webrtc.TrackLocal
}

// Config holds negotiation parameters shared by all attempts of one call.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// ConfigFrom converts the application ICE server list to pion's form.
func ConfigFrom(cfg *config.Config) Config {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return Config{ICEServers: servers}
}

// Handlers are the callbacks one negotiation attempt reports through. They
// fire from pion goroutines.
type Handlers struct {
	// OnRemoteMedia fires once, when the first remote track arrives.
	OnRemoteMedia func(remote *domain.RemoteMedia)
	// OnICECandidate fires per gathered candidate when trickle is enabled.
	OnICECandidate func(candidate string)
	// OnFailed fires when the connection fails or disconnects.
	OnFailed func(err error)
}

// Negotiator wraps one peer connection for one negotiation attempt. A new
// attempt requires a new Negotiator; Close tears the old one down first.
type Negotiator struct {
	config   Config
	handlers Handlers
	trickle  bool
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	remote   *domain.RemoteMedia
	from     domain.PeerAddress
	reported bool
	closed   bool
}

// NewNegotiator creates a negotiator for one attempt toward (or from) the
// given counterpart. With trickle disabled, offers and answers carry the full
// candidate set and OnICECandidate never fires.
func NewNegotiator(cfg Config, from domain.PeerAddress, trickle bool, handlers Handlers, logger *zap.SugaredLogger) *Negotiator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Negotiator{
		config:   cfg,
		handlers: handlers,
		trickle:  trickle,
		from:     from,
		logger:   logger,
	}
}

func (n *Negotiator) createPeerConnection(local *domain.MediaEndpoint) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers:   n.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if local != nil {
		for _, t := range local.Tracks {
			provider, ok := t.(LocalTrackProvider)
			if !ok {
				pc.Close()
				return nil, fmt.Errorf("local track %s does not carry a transport track", t.ID())
			}
			if _, err := pc.AddTrack(provider.WebRTCTrack()); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add local track: %w", err)
			}
		}
	}

	pc.OnTrack(n.handleRemoteTrack)
	pc.OnConnectionStateChange(n.handleConnectionState)
	if n.trickle && n.handlers.OnICECandidate != nil {
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			n.handlers.OnICECandidate(c.ToJSON().Candidate)
		})
	}

	n.mu.Lock()
	n.pc = pc
	n.mu.Unlock()
	return pc, nil
}

// CreateOffer builds the local side of an outgoing negotiation and returns
// the offer SDP.
func (n *Negotiator) CreateOffer(local *domain.MediaEndpoint) (string, error) {
	pc, err := n.createPeerConnection(local)
	if err != nil {
		return "", err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	if n.trickle {
		if err := pc.SetLocalDescription(offer); err != nil {
			return "", fmt.Errorf("failed to set local description: %w", err)
		}
		return offer.SDP, nil
	}

	// Non-trickle transports carry the complete candidate set in the SDP, so
	// gathering must finish before the offer leaves.
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered
	return pc.LocalDescription().SDP, nil
}

// AcceptOffer builds the local side of an incoming negotiation and returns
// the answer SDP.
func (n *Negotiator) AcceptOffer(offerSDP string, local *domain.MediaEndpoint) (string, error) {
	pc, err := n.createPeerConnection(local)
	if err != nil {
		return "", err
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	if n.trickle {
		if err := pc.SetLocalDescription(answer); err != nil {
			return "", fmt.Errorf("failed to set local description: %w", err)
		}
		return answer.SDP, nil
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered
	return pc.LocalDescription().SDP, nil
}

// AcceptAnswer completes an outgoing negotiation with the counterpart's
// answer SDP.
func (n *Negotiator) AcceptAnswer(answerSDP string) error {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no outstanding offer")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// AddRemoteCandidate feeds one trickled ICE candidate into the connection.
func (n *Negotiator) AddRemoteCandidate(candidate string) error {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no peer connection")
	}

	return pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// Close tears down the peer connection. Idempotent.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	pc := n.pc
	n.pc = nil
	n.closed = true
	n.mu.Unlock()

	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (n *Negotiator) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	n.logger.Infow("remote track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
		"kind", track.Kind().String(),
	)

	remote := newRemoteTrack(track)

	go n.readTrack(track)
	go n.readReceiverReports(receiver)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go n.sendKeyFrameRequests(track.SSRC())
	}

	n.mu.Lock()
	if n.remote == nil {
		n.remote = &domain.RemoteMedia{From: n.from}
	}
	n.remote.Tracks = append(n.remote.Tracks, remote)
	first := !n.reported
	n.reported = true
	media := n.remote
	n.mu.Unlock()

	if first && n.handlers.OnRemoteMedia != nil {
		n.handlers.OnRemoteMedia(media)
	}
}

// readTrack drains incoming RTP so the jitter buffer never backs up. Frame
// rendering lives with the consumer; the negotiator only keeps packets
// flowing and counts them.
func (n *Negotiator) readTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	var received uint64

	for {
		size, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:size]); err != nil {
			n.logger.Debugw("dropping malformed RTP packet", "track_id", track.ID(), "error", err)
			continue
		}
		received++
		if received%1000 == 0 {
			n.logger.Debugw("receiving remote media",
				"track_id", track.ID(),
				"packets", received,
				"sequence", pkt.SequenceNumber,
			)
		}
	}
}

func (n *Negotiator) readReceiverReports(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// sendKeyFrameRequests asks the sender for a fresh keyframe at a fixed
// cadence so a late-joining or recovering receiver converges quickly.
func (n *Negotiator) sendKeyFrameRequests(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for range ticker.C {
		n.mu.Lock()
		pc := n.pc
		n.mu.Unlock()
		if pc == nil {
			return
		}

		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
		})
		if err != nil {
			return
		}
	}
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	n.logger.Infow("peer connection state changed", "state", state.String())

	if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if !closed && n.handlers.OnFailed != nil {
			n.handlers.OnFailed(fmt.Errorf("peer connection %s", state.String()))
		}
	}
}

type remoteTrack struct {
	id   string
	kind domain.TrackKind
}

func newRemoteTrack(track *webrtc.TrackRemote) *remoteTrack {
	kind := domain.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
	}
	return &remoteTrack{id: track.ID(), kind: kind}
}

func (t *remoteTrack) Kind() domain.TrackKind { return t.kind }
func (t *remoteTrack) ID() string             { return t.id }
