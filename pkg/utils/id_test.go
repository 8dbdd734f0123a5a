package utils

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSessionID(t *testing.T) {
	id := GenerateSessionID()
	assert.True(t, strings.HasPrefix(id, "session_"))
	assert.NotEqual(t, id, GenerateSessionID())
}

func TestGenerateRoomID(t *testing.T) {
	id := GenerateRoomID("apt-42")
	assert.True(t, strings.HasPrefix(id, "room_apt-42_"))
	assert.NotEqual(t, id, GenerateRoomID("apt-42"))
}

func TestGeneratePeerAddress(t *testing.T) {
	before := time.Now().UnixMilli()
	addr := GeneratePeerAddress("room_apt-42_abc", "patient")
	after := time.Now().UnixMilli()

	parts := strings.Split(addr, "_")
	require.GreaterOrEqual(t, len(parts), 3)

	assert.Equal(t, "patient", parts[len(parts)-2])
	assert.Equal(t, "room_apt-42_abc", strings.Join(parts[:len(parts)-2], "_"))

	ts, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, after)
}

func TestGenerateRequestID(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateRequestID(), "req_"))
}
