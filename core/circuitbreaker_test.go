package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, CircuitBreakerStateClosed, cb.State())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateClosed, cb.State())

	_, newState := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateOpen, newState)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := MustNewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         1,
		Timeout:             10 * time.Millisecond,
		MaxHalfOpenRequests: 1,
	})

	cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	// First probe passes, second is rejected while the first is in flight.
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitBreakerStateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyRequests)

	cb.RecordSuccess()
	assert.Equal(t, CircuitBreakerStateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := MustNewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         1,
		Timeout:             10 * time.Millisecond,
		MaxHalfOpenRequests: 1,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())

	_, newState := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateOpen, newState)
}

func TestCircuitBreaker_InvalidConfig(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.ErrorIs(t, err, ErrInvalidCircuitBreakerConfig)
}
