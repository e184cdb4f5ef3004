package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestBreaker(failures, successes int, timeout time.Duration) (*CircuitBreaker, *clock.TestClock) {
	c := clock.NewTestClock(testTime)
	return New(Config{
		Name:             "test-node",
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          timeout,
		Clock:            c,
	}), c
}

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		cb := New(DefaultConfig())
		if cb.State() != StateClosed {
			t.Errorf("expected initial state to be Closed, got %v", cb.State())
		}
	})

	t.Run("invalid config values corrected", func(t *testing.T) {
		cb := New(Config{FailureThreshold: 0, SuccessThreshold: -1})
		assert.Equal(t, 5, cb.config.FailureThreshold)
		assert.Equal(t, 2, cb.config.SuccessThreshold)
		assert.Equal(t, 30*time.Second, cb.config.Timeout)
		assert.NotNil(t, cb.config.Clock)
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, expected %q", tt.state, got, tt.expected)
		}
	}
}

func TestTransitions(t *testing.T) {
	t.Run("opens after threshold", func(t *testing.T) {
		cb, _ := newTestBreaker(3, 1, time.Minute)
		cb.RecordFailure()
		cb.RecordFailure()
		assert.Equal(t, StateClosed, cb.State())

		cb.RecordFailure()
		assert.Equal(t, StateOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb, _ := newTestBreaker(3, 1, time.Minute)
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
		cb.RecordFailure()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 1, cb.Stats().ConsecutiveFailures)
	})

	t.Run("half-open after timeout then closes", func(t *testing.T) {
		cb, c := newTestBreaker(1, 2, time.Minute)
		cb.RecordFailure()

		c.SetTime(testTime.Add(59 * time.Second))
		assert.Equal(t, StateOpen, cb.State())

		c.SetTime(testTime.Add(time.Minute))
		assert.Equal(t, StateHalfOpen, cb.State())
		assert.True(t, cb.Allow())

		cb.RecordSuccess()
		assert.Equal(t, StateHalfOpen, cb.State())
		cb.RecordSuccess()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failure while half-open reopens", func(t *testing.T) {
		cb, c := newTestBreaker(1, 2, time.Minute)
		cb.RecordFailure()
		c.SetTime(testTime.Add(2 * time.Minute))
		require.Equal(t, StateHalfOpen, cb.State())

		cb.RecordFailure()
		assert.Equal(t, StateOpen, cb.State())
		assert.Equal(t, testTime.Add(2*time.Minute), cb.Stats().OpenedAt)
	})

	t.Run("reset", func(t *testing.T) {
		cb, _ := newTestBreaker(2, 1, time.Hour)
		cb.RecordFailure()
		cb.RecordFailure()
		require.Equal(t, StateOpen, cb.State())

		cb.Reset()
		stats := cb.Stats()
		assert.Equal(t, StateClosed, stats.State)
		assert.Zero(t, stats.ConsecutiveFailures)
		assert.Zero(t, stats.ConsecutiveSuccesses)
	})
}

func TestDo(t *testing.T) {
	errNode := errors.New("connection refused")

	t.Run("rejects while open", func(t *testing.T) {
		cb, _ := newTestBreaker(2, 1, time.Hour)
		for i := 0; i < 2; i++ {
			assert.Equal(t, errNode, cb.Do(func() error { return errNode }))
		}

		called := false
		err := cb.Do(func() error {
			called = true
			return nil
		})
		assert.True(t, errors.Is(err, ErrOpen))
		assert.ErrorContains(t, err, "test-node")
		assert.False(t, called)
	})

	t.Run("errors the endpoint answered with are not failures", func(t *testing.T) {
		c := clock.NewTestClock(testTime)
		cb := New(Config{
			FailureThreshold: 1,
			Clock:            c,
			IsFailure: func(err error) bool {
				return !errors.Is(err, ethereum.NotFound)
			},
		})
		for i := 0; i < 3; i++ {
			assert.True(t, errors.Is(cb.Do(func() error { return ethereum.NotFound }), ethereum.NotFound))
		}
		assert.Equal(t, StateClosed, cb.State())

		cb.Do(func() error { return errNode })
		assert.Equal(t, StateOpen, cb.State())
	})
}

func TestOnStateChange(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []struct{ from, to State }
		done        = make(chan struct{}, 4)
	)
	c := clock.NewTestClock(testTime)
	cb := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Clock:            c,
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, struct{ from, to State }{from, to})
			mu.Unlock()
			done <- struct{}{}
		},
	})

	wait := func() {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("state change callback not called")
		}
	}

	cb.RecordFailure()
	wait()
	c.SetTime(testTime.Add(time.Minute))
	cb.RecordSuccess()
	wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)
	assert.Equal(t, StateHalfOpen, transitions[1].from)
	assert.Equal(t, StateClosed, transitions[1].to)
}

func TestConcurrentAccess(t *testing.T) {
	cb := New(Config{
		FailureThreshold: 100,
		SuccessThreshold: 10,
		Timeout:          30 * time.Second,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cb.RecordFailure()
				cb.Allow()
				cb.Stats()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = cb.Do(func() error { return nil })
				cb.State()
			}
		}()
	}
	wg.Wait()
}
