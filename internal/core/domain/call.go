package domain

import "time"

type SessionID string
type RoomID string
type AppointmentID string
type PeerAddress string

// CallState is the single tagged state of one call lifecycle. It replaces
// the scattered boolean flags of earlier revisions of this feature.
type CallState string

const (
	StateIdle        CallState = "idle"
	StateConnecting  CallState = "connecting"
	StateDiscovering CallState = "discovering"
	StateNegotiating CallState = "negotiating"
	StateActive      CallState = "active"
	StateEnded       CallState = "ended"
	StateError       CallState = "error"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// CallSession is the read-mostly local copy of the directory's session
// record for one consultation.
type CallSession struct {
	ID            SessionID
	RoomID        RoomID
	AppointmentID AppointmentID
	Status        SessionStatus
	CreatedAt     time.Time
}

// Role is assigned by external business logic and fixed for the lifetime of
// a call. The patient side always initiates negotiation; the doctor side
// waits for the incoming request. This avoids glare without a dynamic
// tie-break.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// InitiatorRole is the role that starts negotiation once a counterpart is
// discovered.
const InitiatorRole = RolePatient

type Participant struct {
	Address PeerAddress `json:"peer_id"`
	Role    Role        `json:"user_role"`
	Name    string      `json:"user_name"`
}

type AttemptOutcome string

const (
	AttemptPending       AttemptOutcome = "pending"
	AttemptSucceeded     AttemptOutcome = "succeeded"
	AttemptFailedTimeout AttemptOutcome = "failed-timeout"
	AttemptFailedError   AttemptOutcome = "failed-error"
)

// NegotiationAttempt records one try at establishing a media path. At most
// one attempt is outstanding per session.
type NegotiationAttempt struct {
	Target    PeerAddress
	Number    int
	StartedAt time.Time
	Outcome   AttemptOutcome
}

func (a *NegotiationAttempt) Finalize(outcome AttemptOutcome) {
	if a.Outcome == AttemptPending {
		a.Outcome = outcome
	}
}
