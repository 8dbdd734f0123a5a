package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateSessionID generates a unique session ID
func GenerateSessionID() string {
	return "session_" + uuid.NewString()
}

// GenerateRoomID derives the human-facing room key for an appointment. The
// suffix keeps distinct sessions for the same appointment apart.
func GenerateRoomID(appointmentID string) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("room_%s_%s", appointmentID, suffix)
}

// GeneratePeerAddress builds the signaling address a participant registers
// under: room key, role and a timestamp, mirroring what the counterpart
// expects to find in the peers list.
func GeneratePeerAddress(roomID, role string) string {
	return fmt.Sprintf("%s_%s_%d", roomID, role, time.Now().UnixMilli())
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
