package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// RelayServer relays signaling messages between the two participants of a
// room. It holds no negotiation state of its own: offers, answers and
// candidates pass through opaquely, addressed by peer id.
type RelayServer struct {
	rooms map[string]map[domain.PeerAddress]*client
	mu    sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

type client struct {
	conn *websocket.Conn
	peer domain.Participant
	room string

	writeMu sync.Mutex
}

// RelayMessage is the wire envelope for every relayed event.
type RelayMessage struct {
	Type    string             `json:"type"`
	Room    string             `json:"room,omitempty"`
	From    domain.PeerAddress `json:"from,omitempty"`
	To      domain.PeerAddress `json:"to,omitempty"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

type joinRoomPayload struct {
	Room   string             `json:"room"`
	PeerID domain.PeerAddress `json:"peer_id"`
	Role   domain.Role        `json:"user_role"`
	Name   string             `json:"user_name"`
}

func NewRelayServer(logger *zap.SugaredLogger) *RelayServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayServer{
		rooms:        make(map[string]map[domain.PeerAddress]*client),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *RelayServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *RelayServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
	s.readTimeout = timeout
}

func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// First frame must be join-room; nothing is relayed before membership is
	// established.
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	var joinMsg RelayMessage
	if err := conn.ReadJSON(&joinMsg); err != nil || joinMsg.Type != "join-room" {
		s.logger.Warnw("connection did not start with join-room", "error", err)
		return
	}

	c, err := s.handleJoin(conn, joinMsg)
	if err != nil {
		s.logger.Warnw("join-room rejected", "error", err)
		s.sendError(conn, err.Error())
		return
	}

	s.logger.Infow("peer joined room",
		"room", c.room,
		"peer_id", c.peer.Address,
		"role", c.peer.Role,
	)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan RelayMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg RelayMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(c, msg); err != nil {
				s.logger.Infow("error handling message",
					"room", c.room,
					"peer_id", c.peer.Address,
					"error", err,
				)
				s.sendError(conn, err.Error())
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "peer_id", c.peer.Address, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "peer_id", c.peer.Address, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.removeClient(c)
	s.logger.Infow("peer left room", "room", c.room, "peer_id", c.peer.Address)
}

func (s *RelayServer) handleJoin(conn *websocket.Conn, msg RelayMessage) (*client, error) {
	var payload joinRoomPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid join-room payload: %w", err)
	}
	if payload.Room == "" || payload.PeerID == "" {
		return nil, fmt.Errorf("room and peer_id are required")
	}

	c := &client{
		conn: conn,
		room: payload.Room,
		peer: domain.Participant{
			Address: payload.PeerID,
			Role:    payload.Role,
			Name:    payload.Name,
		},
	}

	s.mu.Lock()
	room, exists := s.rooms[payload.Room]
	if !exists {
		room = make(map[domain.PeerAddress]*client)
		s.rooms[payload.Room] = room
	}
	if old, ok := room[payload.PeerID]; ok {
		// A reconnecting peer replaces its stale registration.
		old.conn.Close()
	}
	room[payload.PeerID] = c

	others := make([]domain.Participant, 0, len(room)-1)
	for addr, member := range room {
		if addr != payload.PeerID {
			others = append(others, member.peer)
		}
	}
	s.mu.Unlock()

	// Confirm membership and report who is already here.
	peersPayload, _ := json.Marshal(map[string]interface{}{"peers": others})
	if err := c.send(RelayMessage{
		Type:    "room-peers",
		Room:    payload.Room,
		Payload: peersPayload,
	}, s.writeTimeout); err != nil {
		s.removeClient(c)
		return nil, fmt.Errorf("failed to confirm join: %w", err)
	}

	joinedPayload, _ := json.Marshal(c.peer)
	s.broadcast(c, RelayMessage{
		Type:    "user-joined",
		Room:    payload.Room,
		From:    payload.PeerID,
		Payload: joinedPayload,
	})

	return c, nil
}

func (s *RelayServer) handleMessage(c *client, msg RelayMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	_, span := tracing.TraceSignalMessage(context.Background(), msg.Type, c.room)
	defer span.End()

	switch msg.Type {
	case "offer", "answer", "ice-candidate", "reject":
		if msg.To == "" {
			return fmt.Errorf("%s requires a target peer", msg.Type)
		}
		msg.From = c.peer.Address
		msg.Room = c.room
		return s.relay(c.room, msg)
	case "leave-room":
		s.removeClient(c)
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *RelayServer) relay(room string, msg RelayMessage) error {
	s.mu.RLock()
	target, exists := s.rooms[room][msg.To]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("target peer %s is not in room", msg.To)
	}

	s.logger.Debugw("relaying message",
		"type", msg.Type,
		"room", room,
		"from", msg.From,
		"to", msg.To,
	)

	return target.send(msg, s.writeTimeout)
}

func (s *RelayServer) broadcast(from *client, msg RelayMessage) {
	s.mu.RLock()
	members := make([]*client, 0)
	for addr, member := range s.rooms[from.room] {
		if addr != from.peer.Address {
			members = append(members, member)
		}
	}
	s.mu.RUnlock()

	for _, member := range members {
		if err := member.send(msg, s.writeTimeout); err != nil {
			s.logger.Warnw("broadcast failed",
				"room", from.room,
				"to", member.peer.Address,
				"error", err,
			)
		}
	}
}

func (s *RelayServer) removeClient(c *client) {
	s.mu.Lock()
	room, exists := s.rooms[c.room]
	if !exists || room[c.peer.Address] != c {
		s.mu.Unlock()
		return
	}
	delete(room, c.peer.Address)
	if len(room) == 0 {
		delete(s.rooms, c.room)
	}
	s.mu.Unlock()

	leftPayload, _ := json.Marshal(c.peer)
	s.broadcast(c, RelayMessage{
		Type:    "user-left",
		Room:    c.room,
		From:    c.peer.Address,
		Payload: leftPayload,
	})
}

func (c *client) send(msg RelayMessage, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(msg)
}

func (s *RelayServer) sendError(conn *websocket.Conn, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	conn.WriteJSON(RelayMessage{Type: "error", Payload: payload})
}

func (s *RelayServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	roomCount := len(s.rooms)
	peerCount := 0
	for _, room := range s.rooms {
		peerCount += len(room)
	}
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"rooms":     roomCount,
		"peers":     peerCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RoomPeers reports who is currently connected in a room.
func (s *RelayServer) RoomPeers(room string) []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.Participant, 0, len(s.rooms[room]))
	for _, member := range s.rooms[room] {
		peers = append(peers, member.peer)
	}
	return peers
}
