package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// Ended sessions expire from Redis instead of being deleted explicitly; the
// call flow swallows end-notification failures, so leftovers must age out.
const endedSessionTTL = 24 * time.Hour

type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: "mediconnect:session:",
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisSessionRepository) participantsKey(id domain.SessionID) string {
	return r.prefix + string(id) + ":participants"
}

func (r *RedisSessionRepository) appointmentKey(id domain.AppointmentID) string {
	return r.prefix + "appointment:" + string(id)
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.CallSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.client.Set(ctx, r.sessionKey(session.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	if err := r.client.Set(ctx, r.appointmentKey(session.AppointmentID), string(session.ID), 0).Err(); err != nil {
		return fmt.Errorf("failed to index session by appointment: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.CallSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

func (r *RedisSessionRepository) GetByAppointment(ctx context.Context, id domain.AppointmentID) (*domain.CallSession, error) {
	sessionID, err := r.client.Get(ctx, r.appointmentKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve appointment index: %w", err)
	}

	return r.GetByID(ctx, domain.SessionID(sessionID))
}

func (r *RedisSessionRepository) UpdateStatus(ctx context.Context, id domain.SessionID, status domain.SessionStatus) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	session.Status = status
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	var ttl time.Duration
	if status == domain.SessionEnded {
		ttl = endedSessionTTL
	}
	if err := r.client.Set(ctx, r.sessionKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}
	if status == domain.SessionEnded {
		r.client.Expire(ctx, r.participantsKey(id), endedSessionTTL)
		r.client.Expire(ctx, r.appointmentKey(session.AppointmentID), endedSessionTTL)
	}

	return nil
}

func (r *RedisSessionRepository) AddParticipant(ctx context.Context, id domain.SessionID, p domain.Participant) error {
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	if err := r.client.HSet(ctx, r.participantsKey(id), string(p.Address), data).Err(); err != nil {
		return fmt.Errorf("failed to add participant in Redis: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) RemoveParticipant(ctx context.Context, id domain.SessionID, addr domain.PeerAddress) error {
	removed, err := r.client.HDel(ctx, r.participantsKey(id), string(addr)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove participant in Redis: %w", err)
	}
	if removed == 0 {
		return domain.ErrParticipantNotFound
	}

	return nil
}

func (r *RedisSessionRepository) ListParticipants(ctx context.Context, id domain.SessionID) ([]domain.Participant, error) {
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}

	entries, err := r.client.HGetAll(ctx, r.participantsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants from Redis: %w", err)
	}

	participants := make([]domain.Participant, 0, len(entries))
	for _, data := range entries {
		var p domain.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			continue
		}
		participants = append(participants, p)
	}

	return participants, nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := r.client.Del(ctx,
		r.sessionKey(id),
		r.participantsKey(id),
		r.appointmentKey(session.AppointmentID),
	).Err(); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}

	return nil
}
