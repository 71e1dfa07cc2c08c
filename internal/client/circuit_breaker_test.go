package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	cb.now = func() time.Time { return now }

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "two failures stay closed")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(150 * time.Millisecond)
	assert.True(t, cb.Allow(), "probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe at a time")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State(), "failed probe reopens")

	now = now.Add(150 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.failures)
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	errBoom := errors.New("boom")

	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
