package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             20 * time.Millisecond,
		MaxRequestsHalfOpen: 2,
	}
}

func failing() error { return errors.New("downstream unavailable") }

func TestStaysClosedUnderThreshold(t *testing.T) {
	cb := New(fastConfig())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(context.Background(), failing))
	}
	assert.Equal(t, StateClosed, cb.State())

	// A success resets the failure count.
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(context.Background(), failing))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestOpensAfterThreshold(t *testing.T) {
	cb := New(fastConfig())

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(context.Background(), failing))
	}
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Execute(context.Background(), func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 0, calls)
}

func TestHalfOpenProbeAfterTimeout(t *testing.T) {
	cb := New(fastConfig())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	// First probe is allowed and moves the breaker to half-open.
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second success closes it.
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(fastConfig())
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}
	time.Sleep(30 * time.Millisecond)

	assert.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, cb.State())
}

func TestContextErrorShortCircuits(t *testing.T) {
	cb := New(fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := cb.Execute(ctx, func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
	assert.Equal(t, StateClosed, cb.State())
}

func TestOnStateChangeCallback(t *testing.T) {
	cb := New(fastConfig())
	transitions := make(chan State, 4)
	cb.OnStateChange(func(from, to State) { transitions <- to })

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failing)
	}

	select {
	case to := <-transitions:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("no state change reported")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
