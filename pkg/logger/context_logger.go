package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	sessionIDKey
	peerRoleKey
)

// WithRequestID stamps the request identifier into the context so every log
// line emitted while serving the request can be correlated.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithSessionID stamps the call session identifier into the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithPeerRole stamps the participant role into the context.
func WithPeerRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, peerRoleKey, role)
}

// RequestID returns the request identifier stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// FromContext returns a sugared logger carrying whatever correlation fields
// the context holds.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	log := base
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		log = log.With("request_id", id)
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		log = log.With("session_id", id)
	}
	if role, ok := ctx.Value(peerRoleKey).(string); ok && role != "" {
		log = log.With("role", role)
	}
	return log
}
