package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failTimes(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return errors.New("http 503 from www.wikidata.org")
		})
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	calls := 0
	err := cb.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})

	failTimes(cb, 3)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("an open circuit must not run the call")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessBreaksTheStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})

	failTimes(cb, 2)
	_ = cb.Execute(context.Background(), func(context.Context) error { return nil })
	failTimes(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State(), "the streak restarts after a success")

	failTimes(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ProbeClosesAfterCoolDown(t *testing.T) {
	at := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
	})
	cb.now = func() time.Time { return at }

	failTimes(cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	at = at.Add(150 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	at := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
	})
	cb.now = func() time.Time { return at }

	failTimes(cb, 2)
	at = at.Add(150 * time.Millisecond)
	failTimes(cb, 1)

	assert.Equal(t, CircuitOpen, cb.State(), "a failed probe restarts the cool-down")
	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("no call should go through until the cool-down elapses again")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_TwoProbesRequired(t *testing.T) {
	at := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:  1,
		ResetTimeout:      100 * time.Millisecond,
		HalfOpenMaxProbes: 2,
	})
	cb.now = func() time.Time { return at }

	failTimes(cb, 1)
	at = at.Add(150 * time.Millisecond)

	_ = cb.Execute(context.Background(), func(context.Context) error { return nil })
	assert.Equal(t, CircuitHalfOpen, cb.State(), "one good probe is not enough")

	_ = cb.Execute(context.Background(), func(context.Context) error { return nil })
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ReportsEveryTransition(t *testing.T) {
	type hop struct{ from, to CircuitState }
	var hops []hop

	at := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
		OnStateChange: func(from, to CircuitState) {
			hops = append(hops, hop{from, to})
		},
	})
	cb.now = func() time.Time { return at }

	failTimes(cb, 2)
	at = at.Add(150 * time.Millisecond)
	_ = cb.Execute(context.Background(), func(context.Context) error { return nil })

	assert.Equal(t, []hop{
		{CircuitClosed, CircuitOpen},
		{CircuitOpen, CircuitHalfOpen},
		{CircuitHalfOpen, CircuitClosed},
	}, hops)
}

func TestCircuitBreaker_ShouldTripFiltersThrottling(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		// Lagged or throttled edits are the server's problem, not a
		// reason to stop trying.
		ShouldTrip: func(err error) bool { return !IsTransient(err) },
	})

	for range 5 {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return NewThrottledError(errors.New("wikibase: lagged, asked to wait"), 0, time.Second)
		})
	}
	assert.Equal(t, CircuitClosed, cb.State())

	for range 2 {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return errors.New("wikibase: edit Q7245: badtoken: invalid CSRF token")
		})
	}
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestExecuteVal_CarriesTheValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	qid, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "Q7245", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Q7245", qid)
}

func TestExecuteVal_ZeroValueWhenRejected(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	})
	failTimes(cb, 1)

	called := false
	qid, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		called = true
		return "Q7245", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Empty(t, qid)
	assert.False(t, called)
}

func TestCircuitBreaker_ConcurrentCalls(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 100,
		ResetTimeout:     time.Minute,
	})

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(context.Context) error {
				if i%2 == 0 {
					return errors.New("http 503 from www.wikidata.org")
				}
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
