package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/ports"
	rtc "mediconnect/internal/infrastructure/webrtc"
	"mediconnect/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// brokerMessage is the broker wire envelope. The payload carries full SDP;
// the broker never sees individual candidates.
type brokerMessage struct {
	Type    string             `json:"type"`
	Src     domain.PeerAddress `json:"src,omitempty"`
	Dst     domain.PeerAddress `json:"dst,omitempty"`
	Payload *brokerPayload     `json:"payload,omitempty"`
}

type brokerPayload struct {
	SDP          string `json:"sdp,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// BrokerChannelConfig configures the broker-mediated transport.
type BrokerChannelConfig struct {
	URL               string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	WebRTC            rtc.Config
}

// BrokerChannel is the broker-mediated signaling transport. The broker
// registers each participant under its chosen address and relays opaque
// connection frames. ICE runs non-trickle: each frame carries the complete
// candidate set, so negotiation is a single offer/answer exchange.
type BrokerChannel struct {
	cfg      BrokerChannelConfig
	handlers ports.ChannelHandlers
	logger   *zap.SugaredLogger

	mu           sync.Mutex
	conn         *websocket.Conn
	writeMu      sync.Mutex
	identity     domain.Participant
	negotiator   *rtc.Negotiator
	connectionID string
	opened       bool
	closed       bool

	openCh chan error
	done   chan struct{}
}

// NewBrokerChannelFactory returns a ChannelFactory producing broker channels.
func NewBrokerChannelFactory(cfg BrokerChannelConfig, logger *zap.SugaredLogger) ports.ChannelFactory {
	return func(handlers ports.ChannelHandlers) (ports.SignalingChannel, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("broker URL is required")
		}
		if logger == nil {
			logger = zap.NewNop().Sugar()
		}
		return &BrokerChannel{
			cfg:      cfg,
			handlers: handlers,
			logger:   logger,
			openCh:   make(chan error, 1),
			done:     make(chan struct{}),
		}, nil
	}
}

func (c *BrokerChannel) Open(ctx context.Context, identity domain.Participant) (domain.PeerAddress, error) {
	c.mu.Lock()
	c.identity = identity
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

func (c *BrokerChannel) connect(ctx context.Context) error {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("id", string(identity.Address))
	query.Set("token", utils.GenerateRequestID())
	endpoint.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop(conn)
	return nil
}

func (c *BrokerChannel) readLoop(conn *websocket.Conn) {
	for {
		var msg brokerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *BrokerChannel) dispatch(msg brokerMessage) {
	switch msg.Type {
	case "open":
		select {
		case c.openCh <- nil:
		default:
		}

	case "id-taken":
		c.mu.Lock()
		opened := c.opened
		conn := c.conn
		address := c.identity.Address
		c.mu.Unlock()

		if !opened {
			select {
			case c.openCh <- fmt.Errorf("broker rejected address: already taken"):
			default:
			}
			return
		}
		// Registration was refused after a reconnect, so the channel is not
		// actually usable. Dropping the connection routes this through the
		// normal disconnect and redial path.
		c.logger.Warnw("broker rejected address after reconnect", "address", address)
		if conn != nil {
			conn.Close()
		}

	case "offer":
		if msg.Payload == nil || msg.Payload.SDP == "" {
			c.logger.Warnw("offer without SDP", "from", msg.Src)
			return
		}
		if c.handlers.OnIncomingNegotiation != nil {
			c.handlers.OnIncomingNegotiation(&brokerIncoming{
				channel:      c,
				from:         msg.Src,
				offer:        msg.Payload.SDP,
				connectionID: msg.Payload.ConnectionID,
			})
		}

	case "answer":
		if msg.Payload == nil || msg.Payload.SDP == "" {
			c.logger.Warnw("answer without SDP", "from", msg.Src)
			return
		}
		c.mu.Lock()
		negotiator := c.negotiator
		c.mu.Unlock()
		if negotiator == nil {
			c.logger.Warnw("answer without outstanding offer", "from", msg.Src)
			return
		}
		if err := negotiator.AcceptAnswer(msg.Payload.SDP); err != nil {
			c.failNegotiation(err)
		}

	case "reject":
		c.failNegotiation(domain.ErrPeerUnavailable)

	case "leave", "expire":
		if c.handlers.OnPeerGone != nil {
			c.handlers.OnPeerGone(msg.Src)
		}

	case "error":
		message := ""
		if msg.Payload != nil {
			message = msg.Payload.Message
		}
		c.logger.Warnw("broker reported error", "message", message)

	case "heartbeat":
	}
}

func (c *BrokerChannel) heartbeatLoop(conn *websocket.Conn) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}

		if err := c.writeTo(conn, brokerMessage{Type: "heartbeat"}); err != nil {
			return
		}
	}
}

func (c *BrokerChannel) handleDisconnect(conn *websocket.Conn, err error) {
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
		case c.openCh <- fmt.Errorf("broker connection lost during open: %w", err):
		default:
		}
		return
	}

	c.logger.Warnw("broker connection lost, reconnecting", "error", err)
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected()
	}
	go c.reconnectLoop()
}

func (c *BrokerChannel) reconnectLoop() {
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
			c.logger.Warnw("broker reconnect failed, retrying", "error", err)
			continue
		}

		c.logger.Infow("broker connection restored")
		if c.handlers.OnReconnected != nil {
			c.handlers.OnReconnected()
		}
		return
	}
}

func (c *BrokerChannel) SendNegotiation(target domain.PeerAddress, local *domain.MediaEndpoint) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return domain.ErrChannelDisconnected
	}
	connectionID := utils.GenerateRequestID()
	c.connectionID = connectionID
	c.mu.Unlock()

	negotiator := c.newNegotiator(target)
	offer, err := negotiator.CreateOffer(local)
	if err != nil {
		negotiator.Close()
		return fmt.Errorf("failed to create offer: %w", err)
	}

	c.mu.Lock()
	c.negotiator = negotiator
	c.mu.Unlock()

	return c.write(brokerMessage{
		Type:    "offer",
		Dst:     target,
		Payload: &brokerPayload{SDP: offer, ConnectionID: connectionID},
	})
}

func (c *BrokerChannel) newNegotiator(counterpart domain.PeerAddress) *rtc.Negotiator {
	return rtc.NewNegotiator(c.cfg.WebRTC, counterpart, false, rtc.Handlers{
		OnRemoteMedia: func(remote *domain.RemoteMedia) {
			if c.handlers.OnRemoteMedia != nil {
				c.handlers.OnRemoteMedia(remote)
			}
		},
		OnFailed: func(err error) {
			c.failNegotiation(err)
		},
	}, c.logger)
}

func (c *BrokerChannel) failNegotiation(err error) {
	if c.handlers.OnNegotiationFailed != nil {
		c.handlers.OnNegotiationFailed(err)
	}
}

func (c *BrokerChannel) CancelNegotiation() error {
	c.mu.Lock()
	negotiator := c.negotiator
	c.negotiator = nil
	c.connectionID = ""
	c.mu.Unlock()

	if negotiator != nil {
		return negotiator.Close()
	}
	return nil
}

func (c *BrokerChannel) Close() error {
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
		conn.WriteJSON(brokerMessage{Type: "leave"})
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (c *BrokerChannel) write(msg brokerMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrChannelDisconnected
	}
	return c.writeTo(conn, msg)
}

func (c *BrokerChannel) writeTo(conn *websocket.Conn, msg brokerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// brokerIncoming is one inbound broker offer awaiting an answer or
// rejection.
type brokerIncoming struct {
	channel      *BrokerChannel
	from         domain.PeerAddress
	offer        string
	connectionID string
}

func (b *brokerIncoming) From() domain.PeerAddress {
	return b.from
}

func (b *brokerIncoming) Answer(local *domain.MediaEndpoint) error {
	negotiator := b.channel.newNegotiator(b.from)
	answer, err := negotiator.AcceptOffer(b.offer, local)
	if err != nil {
		negotiator.Close()
		return fmt.Errorf("failed to answer offer: %w", err)
	}

	b.channel.mu.Lock()
	b.channel.negotiator = negotiator
	b.channel.connectionID = b.connectionID
	b.channel.mu.Unlock()

	return b.channel.write(brokerMessage{
		Type:    "answer",
		Dst:     b.from,
		Payload: &brokerPayload{SDP: answer, ConnectionID: b.connectionID},
	})
}

func (b *brokerIncoming) Reject() error {
	return b.channel.write(brokerMessage{
		Type:    "reject",
		Dst:     b.from,
		Payload: &brokerPayload{ConnectionID: b.connectionID},
	})
}
