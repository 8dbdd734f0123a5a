package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/ports"
	rtc "mediconnect/internal/infrastructure/webrtc"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate string `json:"candidate"`
}

// RelayChannelConfig configures the raw relay transport.
type RelayChannelConfig struct {
	URL            string
	ReconnectDelay time.Duration
	WebRTC         rtc.Config
}

// RelayChannel is the raw signaling transport: the application exchanges
// explicit offer, answer and candidate events through the relay server, with
// trickled ICE. It implements ports.SignalingChannel.
type RelayChannel struct {
	cfg      RelayChannelConfig
	handlers ports.ChannelHandlers
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	identity   domain.Participant
	room       string
	negotiator *rtc.Negotiator
	target     domain.PeerAddress
	pending    []string
	opened     bool
	closed     bool

	openCh chan error
	done   chan struct{}
}

// NewRelayChannelFactory returns a ChannelFactory producing relay channels.
func NewRelayChannelFactory(cfg RelayChannelConfig, logger *zap.SugaredLogger) ports.ChannelFactory {
	return func(handlers ports.ChannelHandlers) (ports.SignalingChannel, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("relay URL is required")
		}
		if logger == nil {
			logger = zap.NewNop().Sugar()
		}
		return &RelayChannel{
			cfg:      cfg,
			handlers: handlers,
			logger:   logger,
			openCh:   make(chan error, 1),
			done:     make(chan struct{}),
		}, nil
	}
}

// roomFromAddress recovers the room key from a peer address. Addresses are
// built as <room>_<role>_<unixmilli>, so the room is everything before the
// last two underscore segments.
func roomFromAddress(addr domain.PeerAddress) (string, error) {
	parts := strings.Split(string(addr), "_")
	if len(parts) < 3 {
		return "", fmt.Errorf("malformed peer address: %s", addr)
	}
	return strings.Join(parts[:len(parts)-2], "_"), nil
}

func (c *RelayChannel) Open(ctx context.Context, identity domain.Participant) (domain.PeerAddress, error) {
	room, err := roomFromAddress(identity.Address)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.identity = identity
	c.room = room
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		c.Close()
		return "", ctx.Err()
	case err := <-c.openCh:
		if err != nil {
			c.Close()
			return "", err
		}
	}

	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return identity.Address, nil
}

func (c *RelayChannel) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	identity := c.identity
	room := c.room
	c.mu.Unlock()

	payload, _ := json.Marshal(joinRoomPayload{
		Room:   room,
		PeerID: identity.Address,
		Role:   identity.Role,
		Name:   identity.Name,
	})
	if err := c.write(RelayMessage{Type: "join-room", Payload: payload}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to join room: %w", err)
	}

	go c.readLoop(conn)
	return nil
}

func (c *RelayChannel) readLoop(conn *websocket.Conn) {
	for {
		var msg RelayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *RelayChannel) dispatch(msg RelayMessage) {
	switch msg.Type {
	case "room-peers":
		select {
		case c.openCh <- nil:
		default:
			// Re-join after a reconnect; Open already returned.
		}

	case "user-joined":
		c.logger.Debugw("peer joined room", "from", msg.From)

	case "user-left":
		if c.handlers.OnPeerGone != nil {
			c.handlers.OnPeerGone(msg.From)
		}

	case "offer":
		var payload sdpPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.Warnw("malformed offer payload", "from", msg.From, "error", err)
			return
		}
		if c.handlers.OnIncomingNegotiation != nil {
			c.handlers.OnIncomingNegotiation(&relayIncoming{
				channel: c,
				from:    msg.From,
				offer:   payload.SDP,
			})
		}

	case "answer":
		var payload sdpPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.Warnw("malformed answer payload", "from", msg.From, "error", err)
			return
		}
		c.mu.Lock()
		negotiator := c.negotiator
		c.mu.Unlock()
		if negotiator == nil {
			c.logger.Warnw("answer without outstanding offer", "from", msg.From)
			return
		}
		if err := negotiator.AcceptAnswer(payload.SDP); err != nil {
			c.failNegotiation(err)
		}

	case "ice-candidate":
		var payload candidatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.Warnw("malformed candidate payload", "from", msg.From, "error", err)
			return
		}
		c.addCandidate(payload.Candidate)

	case "reject":
		c.failNegotiation(domain.ErrPeerUnavailable)

	case "error":
		c.logger.Warnw("relay server reported error", "payload", string(msg.Payload))
	}
}

// addCandidate routes a trickled candidate to the active negotiator, or
// buffers it when the candidate outruns the offer handling.
func (c *RelayChannel) addCandidate(candidate string) {
	c.mu.Lock()
	negotiator := c.negotiator
	if negotiator == nil {
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := negotiator.AddRemoteCandidate(candidate); err != nil {
		c.logger.Warnw("failed to add remote candidate", "error", err)
	}
}

func (c *RelayChannel) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	opened := c.opened
	c.mu.Unlock()

	if !opened {
		select {
		case c.openCh <- fmt.Errorf("relay connection lost during open: %w", err):
		default:
		}
		return
	}

	c.logger.Warnw("relay connection lost, reconnecting", "error", err)
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected()
	}
	go c.reconnectLoop()
}

func (c *RelayChannel) reconnectLoop() {
	delay := c.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), delay*2)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			c.logger.Warnw("relay reconnect failed, retrying", "error", err)
			continue
		}

		c.logger.Infow("relay connection restored")
		if c.handlers.OnReconnected != nil {
			c.handlers.OnReconnected()
		}
		return
	}
}

func (c *RelayChannel) SendNegotiation(target domain.PeerAddress, local *domain.MediaEndpoint) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return domain.ErrChannelDisconnected
	}
	c.target = target
	c.mu.Unlock()

	negotiator := c.newNegotiator(target)
	offer, err := negotiator.CreateOffer(local)
	if err != nil {
		negotiator.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}

	c.installNegotiator(negotiator)

	payload, _ := json.Marshal(sdpPayload{SDP: offer})
	return c.write(RelayMessage{Type: "offer", To: target, Payload: payload})
}

func (c *RelayChannel) newNegotiator(counterpart domain.PeerAddress) *rtc.Negotiator {
	return rtc.NewNegotiator(c.cfg.WebRTC, counterpart, true, rtc.Handlers{
		OnRemoteMedia: func(remote *domain.RemoteMedia) {
			if c.handlers.OnRemoteMedia != nil {
				c.handlers.OnRemoteMedia(remote)
			}
		},
		OnICECandidate: func(candidate string) {
			payload, _ := json.Marshal(candidatePayload{Candidate: candidate})
			if err := c.write(RelayMessage{Type: "ice-candidate", To: counterpart, Payload: payload}); err != nil {
				c.logger.Warnw("failed to send candidate", "error", err)
			}
		},
		OnFailed: func(err error) {
			c.failNegotiation(err)
		},
	}, c.logger)
}

// installNegotiator makes the given negotiator current and flushes any
// candidates that arrived before it existed.
func (c *RelayChannel) installNegotiator(negotiator *rtc.Negotiator) {
	c.mu.Lock()
	c.negotiator = negotiator
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := negotiator.AddRemoteCandidate(candidate); err != nil {
			c.logger.Warnw("failed to add buffered candidate", "error", err)
		}
	}
}

func (c *RelayChannel) failNegotiation(err error) {
	if c.handlers.OnNegotiationFailed != nil {
		c.handlers.OnNegotiationFailed(err)
	}
}

func (c *RelayChannel) CancelNegotiation() error {
	c.mu.Lock()
	negotiator := c.negotiator
	c.negotiator = nil
	c.pending = nil
	c.target = ""
	c.mu.Unlock()

	if negotiator != nil {
		return negotiator.Close()
	}
	return nil
}

func (c *RelayChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	negotiator := c.negotiator
	c.negotiator = nil
	c.mu.Unlock()

	close(c.done)
	if negotiator != nil {
		negotiator.Close()
	}
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteJSON(RelayMessage{Type: "leave-room"})
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (c *RelayChannel) write(msg RelayMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrChannelDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// relayIncoming is one inbound offer awaiting an answer or rejection.
type relayIncoming struct {
	channel *RelayChannel
	from    domain.PeerAddress
	offer   string
}

func (r *relayIncoming) From() domain.PeerAddress {
	return r.from
}

func (r *relayIncoming) Answer(local *domain.MediaEndpoint) error {
	negotiator := r.channel.newNegotiator(r.from)
	answer, err := negotiator.AcceptOffer(r.offer, local)
	if err != nil {
		negotiator.Close()
		return fmt.Errorf("failed to answer offer: %w", err)
	}

	r.channel.installNegotiator(negotiator)

	payload, _ := json.Marshal(sdpPayload{SDP: answer})
	return r.channel.write(RelayMessage{Type: "answer", To: r.from, Payload: payload})
}

func (r *relayIncoming) Reject() error {
	return r.channel.write(RelayMessage{Type: "reject", To: r.from})
}
