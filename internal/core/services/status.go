package services

import "mediconnect/internal/core/domain"

// StatusText maps a call state to the user-facing status line shown in the
// consultation UI.
func StatusText(state domain.CallState) string {
	switch state {
	case domain.StateIdle:
		return "Ready"
	case domain.StateConnecting:
		return "Connecting…"
	case domain.StateDiscovering:
		return "Waiting for other participant"
	case domain.StateNegotiating:
		return "Connecting…"
	case domain.StateActive:
		return "Call active"
	case domain.StateEnded:
		return "Call ended"
	case domain.StateError:
		return "Connection error — Retry"
	default:
		return string(state)
	}
}
