package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/ports"
	"mediconnect/pkg/utils"
)

// SessionEventSink receives session lifecycle notifications. Implementations
// must not block; failures are theirs to log.
type SessionEventSink interface {
	SessionCreated(ctx context.Context, session *domain.CallSession)
	PeerRegistered(ctx context.Context, id domain.SessionID, p domain.Participant)
	SessionEnded(ctx context.Context, id domain.SessionID)
}

// SessionService implements the directory-side session operations backed by a
// SessionRepository. It serves the HTTP handlers of the directory service.
type SessionService struct {
	repo    ports.SessionRepository
	metrics *MetricsService
	events  SessionEventSink
}

func NewSessionService(repo ports.SessionRepository, metrics *MetricsService) *SessionService {
	return &SessionService{repo: repo, metrics: metrics}
}

// SetEventSink installs a lifecycle event sink. Call before serving traffic.
func (s *SessionService) SetEventSink(sink SessionEventSink) {
	s.events = sink
}

// CreateSession returns the existing open session for the appointment if one
// exists; both participants of a consultation must land in the same room.
func (s *SessionService) CreateSession(ctx context.Context, appointmentID domain.AppointmentID) (*domain.CallSession, error) {
	if appointmentID == "" {
		return nil, fmt.Errorf("appointment id is required")
	}

	existing, err := s.repo.GetByAppointment(ctx, appointmentID)
	if err == nil && existing.Status != domain.SessionEnded {
		return existing, nil
	}
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	session := &domain.CallSession{
		ID:            domain.SessionID(utils.GenerateSessionID()),
		RoomID:        domain.RoomID(utils.GenerateRoomID(string(appointmentID))),
		AppointmentID: appointmentID,
		Status:        domain.SessionPending,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordSessionCreated()
	}
	if s.events != nil {
		s.events.SessionCreated(ctx, session)
	}
	return session, nil
}

// GetSession returns the session record by ID.
func (s *SessionService) GetSession(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	return s.repo.GetByID(ctx, id)
}

// RegisterPeer records a participant's signaling address. Re-registration
// under the same role replaces the stale address from a previous channel.
func (s *SessionService) RegisterPeer(ctx context.Context, id domain.SessionID, p domain.Participant) error {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == domain.SessionEnded {
		return domain.ErrSessionEnded
	}
	if p.Address == "" || p.Role == "" {
		return fmt.Errorf("peer address and role are required")
	}

	// Drop any previous registration for the same role before adding the new
	// one. A reconnecting participant must not be discoverable twice.
	existing, err := s.repo.ListParticipants(ctx, id)
	if err != nil {
		return err
	}
	for _, prev := range existing {
		if prev.Role == p.Role && prev.Address != p.Address {
			if err := s.repo.RemoveParticipant(ctx, id, prev.Address); err != nil {
				return err
			}
		}
	}

	if err := s.repo.AddParticipant(ctx, id, p); err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordPeerRegistered(string(p.Role))
	}
	if s.events != nil {
		s.events.PeerRegistered(ctx, id, p)
	}
	return nil
}

// Join marks the session active once any participant joins it.
func (s *SessionService) Join(ctx context.Context, id domain.SessionID) error {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if session.Status == domain.SessionEnded {
		return domain.ErrSessionEnded
	}
	if session.Status == domain.SessionPending {
		return s.repo.UpdateStatus(ctx, id, domain.SessionActive)
	}
	return nil
}

// ListPeers returns all registered participants for the session.
func (s *SessionService) ListPeers(ctx context.Context, id domain.SessionID) ([]domain.Participant, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListParticipants(ctx, id)
}

// EndSession marks the session ended. Idempotent: ending an ended session
// succeeds without effect, so both sides may report teardown.
func (s *SessionService) EndSession(ctx context.Context, id domain.SessionID) error {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if session.Status == domain.SessionEnded {
		return nil
	}

	if err := s.repo.UpdateStatus(ctx, id, domain.SessionEnded); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordSessionEnded(time.Since(session.CreatedAt))
	}
	if s.events != nil {
		s.events.SessionEnded(ctx, id)
	}
	return nil
}

// LeavePeer removes one participant's registration without ending the
// session, used when a channel drops while the counterpart keeps waiting.
func (s *SessionService) LeavePeer(ctx context.Context, id domain.SessionID, addr domain.PeerAddress) error {
	if err := s.repo.RemoveParticipant(ctx, id, addr); err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) {
			return nil
		}
		return err
	}
	return nil
}
