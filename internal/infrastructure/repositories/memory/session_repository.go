package memory

import (
	"context"
	"fmt"
	"sync"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/ports"
)

type sessionRecord struct {
	session      domain.CallSession
	participants []domain.Participant
}

type MemorySessionRepository struct {
	sessions      map[domain.SessionID]*sessionRecord
	byAppointment map[domain.AppointmentID]domain.SessionID
	mu            sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions:      make(map[domain.SessionID]*sessionRecord),
		byAppointment: make(map[domain.AppointmentID]domain.SessionID),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	r.sessions[session.ID] = &sessionRecord{session: *session}
	r.byAppointment[session.AppointmentID] = session.ID
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	session := rec.session
	return &session, nil
}

func (r *MemorySessionRepository) GetByAppointment(ctx context.Context, id domain.AppointmentID) (*domain.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, exists := r.byAppointment[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	rec, exists := r.sessions[sessionID]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	session := rec.session
	return &session, nil
}

func (r *MemorySessionRepository) UpdateStatus(ctx context.Context, id domain.SessionID, status domain.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}

	rec.session.Status = status
	return nil
}

func (r *MemorySessionRepository) AddParticipant(ctx context.Context, id domain.SessionID, p domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}

	for i, existing := range rec.participants {
		if existing.Address == p.Address {
			rec.participants[i] = p
			return nil
		}
	}

	rec.participants = append(rec.participants, p)
	return nil
}

func (r *MemorySessionRepository) RemoveParticipant(ctx context.Context, id domain.SessionID, addr domain.PeerAddress) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}

	for i, p := range rec.participants {
		if p.Address == addr {
			rec.participants = append(rec.participants[:i], rec.participants[i+1:]...)
			return nil
		}
	}

	return domain.ErrParticipantNotFound
}

func (r *MemorySessionRepository) ListParticipants(ctx context.Context, id domain.SessionID) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	participants := make([]domain.Participant, len(rec.participants))
	copy(participants, rec.participants)
	return participants, nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}

	delete(r.byAppointment, rec.session.AppointmentID)
	delete(r.sessions, id)
	return nil
}
