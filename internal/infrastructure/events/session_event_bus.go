package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mediconnect/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventPeerRegistered EventType = "peer.registered"
	EventSessionEnded   EventType = "session.ended"
)

// Event represents one session lifecycle event published across directory
// instances.
type Event struct {
	Type          EventType            `json:"type"`
	InstanceID    string               `json:"instance_id"`
	Timestamp     time.Time            `json:"timestamp"`
	SessionID     domain.SessionID     `json:"session_id,omitempty"`
	RoomID        domain.RoomID        `json:"room_id,omitempty"`
	AppointmentID domain.AppointmentID `json:"appointment_id,omitempty"`
	PeerAddress   domain.PeerAddress   `json:"peer_id,omitempty"`
	Role          domain.Role          `json:"user_role,omitempty"`
}

// SessionEventBus publishes and subscribes to session lifecycle events over
// Redis pub/sub, letting multiple directory instances observe each other's
// activity.
type SessionEventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	channels   []string
}

// NewSessionEventBus creates a new event bus
func NewSessionEventBus(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *SessionEventBus {
	return &SessionEventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channels:   []string{"mediconnect:events"},
	}
}

// Publish publishes an event to the event bus
func (eb *SessionEventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := eb.channels[0]
	if err := eb.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"session_id", event.SessionID,
	)

	return nil
}

// Subscribe subscribes to events and calls handler for each event. Events
// published by this instance are skipped. Blocks until ctx is done.
func (eb *SessionEventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channels...)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// SessionCreated implements the session service's event sink.
func (eb *SessionEventBus) SessionCreated(ctx context.Context, session *domain.CallSession) {
	err := eb.Publish(ctx, &Event{
		Type:          EventSessionCreated,
		SessionID:     session.ID,
		RoomID:        session.RoomID,
		AppointmentID: session.AppointmentID,
	})
	if err != nil {
		eb.logger.Warnw("failed to publish session created event",
			"session_id", session.ID,
			"error", err,
		)
	}
}

// PeerRegistered implements the session service's event sink.
func (eb *SessionEventBus) PeerRegistered(ctx context.Context, id domain.SessionID, p domain.Participant) {
	err := eb.Publish(ctx, &Event{
		Type:        EventPeerRegistered,
		SessionID:   id,
		PeerAddress: p.Address,
		Role:        p.Role,
	})
	if err != nil {
		eb.logger.Warnw("failed to publish peer registered event",
			"session_id", id,
			"error", err,
		)
	}
}

// SessionEnded implements the session service's event sink.
func (eb *SessionEventBus) SessionEnded(ctx context.Context, id domain.SessionID) {
	err := eb.Publish(ctx, &Event{
		Type:      EventSessionEnded,
		SessionID: id,
	})
	if err != nil {
		eb.logger.Warnw("failed to publish session ended event",
			"session_id", id,
			"error", err,
		)
	}
}

// Close closes the event bus
func (eb *SessionEventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
