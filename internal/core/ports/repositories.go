package ports

import (
	"context"

	"mediconnect/internal/core/domain"
)

// SessionRepository stores directory-side session and participant records.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.CallSession) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.CallSession, error)
	GetByAppointment(ctx context.Context, id domain.AppointmentID) (*domain.CallSession, error)
	UpdateStatus(ctx context.Context, id domain.SessionID, status domain.SessionStatus) error
	AddParticipant(ctx context.Context, id domain.SessionID, p domain.Participant) error
	RemoveParticipant(ctx context.Context, id domain.SessionID, addr domain.PeerAddress) error
	ListParticipants(ctx context.Context, id domain.SessionID) ([]domain.Participant, error)
	Delete(ctx context.Context, id domain.SessionID) error
}
