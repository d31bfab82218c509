package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDependency = errors.New("dependency down")

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             30 * time.Millisecond,
		MaxRequestsHalfOpen: 1,
	}
}

func trip(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < testConfig().FailureThreshold; i++ {
		err := cb.Execute(context.Background(), func() error { return errDependency })
		require.ErrorIs(t, err, errDependency)
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestClosedPassesThrough(t *testing.T) {
	cb := New(testConfig())

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, StateClosed, cb.State())
}

func TestOpensAfterThresholdAndRejects(t *testing.T) {
	cb := New(testConfig())
	trip(t, cb)

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not invoke the dependency")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb := New(testConfig())

	cb.Execute(context.Background(), func() error { return errDependency })
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	cb.Execute(context.Background(), func() error { return errDependency })

	// Two failures total, but never two in a row.
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbeClosesOnSuccesses(t *testing.T) {
	cb := New(testConfig())
	trip(t, cb)

	time.Sleep(testConfig().Timeout + 5*time.Millisecond)

	for i := 0; i < testConfig().SuccessThreshold; i++ {
		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	cb := New(testConfig())
	trip(t, cb)

	time.Sleep(testConfig().Timeout + 5*time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return errDependency })
	require.ErrorIs(t, err, errDependency)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenBoundsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessThreshold = 5
	cb := New(cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		cb.Execute(context.Background(), func() error { return errDependency })
	}
	time.Sleep(cfg.Timeout + 5*time.Millisecond)

	// First probe is in flight, second must be rejected.
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(context.Background(), func() error {
			<-release
			return nil
		})
	}()

	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, time.Millisecond)
	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)

	close(release)
	wg.Wait()
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(testConfig())

	got, err := ExecuteWithResult(context.Background(), cb, func() (string, error) {
		return "value", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	trip(t, cb)
	_, err = ExecuteWithResult(context.Background(), cb, func() (string, error) {
		return "unreachable", nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestStateChangeCallback(t *testing.T) {
	cb := New(testConfig())

	var mu sync.Mutex
	var transitions []string
	cb.OnStateChange(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	})

	trip(t, cb)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1 && transitions[0] == "closed->open"
	}, time.Second, time.Millisecond)
}

func TestCanceledContextRejected(t *testing.T) {
	cb := New(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
