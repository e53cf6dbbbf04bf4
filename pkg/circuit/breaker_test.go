package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock, *[]State) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	var transitions []State
	b := New(Config{FailureThreshold: threshold, Cooldown: cooldown},
		WithClock(clock.Now),
		OnStateChange(func(from, to State) { transitions = append(transitions, to) }))
	return b, clock, &transitions
}

func mustAcquire(t *testing.T, b *Breaker) Permit {
	t.Helper()
	p, err := b.Acquire()
	require.NoError(t, err)
	return p
}

func acquireErr(b *Breaker) error {
	_, err := b.Acquire()
	return err
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _, transitions := newTestBreaker(3, time.Second)

	for i := 0; i < 2; i++ {
		mustAcquire(t, b).Failure()
		assert.Equal(t, Closed, b.State())
	}
	mustAcquire(t, b).Success()
	for i := 0; i < 2; i++ {
		mustAcquire(t, b).Failure()
	}
	assert.Equal(t, Closed, b.State(), "success resets the consecutive count")

	mustAcquire(t, b).Failure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, acquireErr(b), ErrOpen)
	assert.False(t, b.Ready())
	assert.Equal(t, []State{Open}, *transitions)
}

func TestBreakerSingleTrialAfterCooldown(t *testing.T) {
	b, clock, transitions := newTestBreaker(1, time.Second)
	mustAcquire(t, b).Failure()
	require.Equal(t, Open, b.State())

	clock.Advance(999 * time.Millisecond)
	assert.ErrorIs(t, acquireErr(b), ErrOpen)

	clock.Advance(time.Millisecond)
	assert.True(t, b.Ready())
	trial := mustAcquire(t, b)
	assert.Equal(t, HalfOpen, b.State())

	// one request at a time while half-open
	assert.False(t, b.Ready())
	assert.ErrorIs(t, acquireErr(b), ErrOpen)

	trial.Success()
	assert.Equal(t, Closed, b.State())
	assert.NoError(t, acquireErr(b))
	assert.Equal(t, []State{Open, HalfOpen, Closed}, *transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(2, time.Second)
	for i := 0; i < 2; i++ {
		mustAcquire(t, b).Failure()
	}
	clock.Advance(time.Second)
	mustAcquire(t, b).Failure()
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, acquireErr(b), ErrOpen, "cooldown restarts")

	clock.Advance(time.Second)
	cancelled := mustAcquire(t, b)
	cancelled.Cancel()
	assert.Equal(t, HalfOpen, b.State())
	next := mustAcquire(t, b)
	assert.ErrorIs(t, acquireErr(b), ErrOpen)

	// the cancelled permit no longer decides the outcome
	cancelled.Success()
	assert.Equal(t, HalfOpen, b.State())
	next.Success()
	assert.Equal(t, Closed, b.State())
}

func TestBreakerConcurrentHalfOpen(t *testing.T) {
	b, clock, _ := newTestBreaker(1, time.Second)
	mustAcquire(t, b).Failure()
	clock.Advance(2 * time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if acquireErr(b) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestBreakerIgnoresOutcomesAdmittedBeforeTrip(t *testing.T) {
	b, clock, transitions := newTestBreaker(2, time.Second)

	slowOK := mustAcquire(t, b)
	slowErr := mustAcquire(t, b)
	for i := 0; i < 2; i++ {
		mustAcquire(t, b).Failure()
	}
	require.Equal(t, Open, b.State())

	clock.Advance(2 * time.Second)
	trial := mustAcquire(t, b)
	require.Equal(t, HalfOpen, b.State())

	slowOK.Success()
	assert.Equal(t, HalfOpen, b.State())
	slowErr.Failure()
	assert.Equal(t, HalfOpen, b.State())
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, acquireErr(b), ErrOpen)
	}

	trial.Success()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, []State{Open, HalfOpen, Closed}, *transitions)

	// a late failure from before the trip does not count again
	slowErr.Failure()
	slowErr.Failure()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Status().Failures)
}

func TestBreakerReset(t *testing.T) {
	b, _, _ := newTestBreaker(1, time.Minute)
	old := mustAcquire(t, b)
	mustAcquire(t, b).Failure()
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	old.Failure()
	assert.Equal(t, Closed, b.State())

	var zero Permit
	zero.Failure()
	zero.Cancel()
	assert.Equal(t, Closed, b.State())
}

func TestBreakerStatus(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 5*time.Second)
	start := clock.Now()
	assert.Equal(t, Status{State: Closed, Since: start}, b.Status())

	clock.Advance(time.Second)
	mustAcquire(t, b).Failure()
	st := b.Status()
	assert.Equal(t, Open, st.State)
	assert.Equal(t, start.Add(time.Second), st.Since)
	assert.Equal(t, start.Add(6*time.Second), st.NextProbe)
}
