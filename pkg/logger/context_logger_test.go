package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc")
	assert.Equal(t, "req_abc", RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}

func TestFromContextWithoutFieldsReturnsBase(t *testing.T) {
	base := zap.NewNop().Sugar()
	assert.Same(t, base, FromContext(context.Background(), base))
}

func TestFromContextAttachesFields(t *testing.T) {
	base := zap.NewNop().Sugar()
	ctx := WithRequestID(context.Background(), "req_abc")
	ctx = WithSessionID(ctx, "session_1")
	ctx = WithPeerRole(ctx, "patient")

	assert.NotSame(t, base, FromContext(ctx, base))
}
