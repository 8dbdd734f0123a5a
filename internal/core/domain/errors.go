package domain

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionEnded        = errors.New("session ended")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrPeerUnavailable     = errors.New("peer unavailable")
	ErrChannelDisconnected = errors.New("signaling channel disconnected")
	ErrNegotiationTimeout  = errors.New("negotiation timed out")
	ErrNoMediaDevice       = errors.New("no media device available")
	ErrMediaPermission     = errors.New("media permission denied")
)
