package ports

import (
	"context"

	"mediconnect/internal/core/domain"
)

// SessionDirectory is the external registry mapping a call session to its
// participants' signaling addresses.
type SessionDirectory interface {
	CreateSession(ctx context.Context, appointmentID domain.AppointmentID) (*domain.CallSession, error)
	RegisterPeer(ctx context.Context, sessionID domain.SessionID, p domain.Participant) error
	Join(ctx context.Context, sessionID domain.SessionID) error
	ListPeers(ctx context.Context, sessionID domain.SessionID) ([]domain.Participant, error)
	EndSession(ctx context.Context, sessionID domain.SessionID) error
}
