// Package circuit implements a per-member circuit breaker.
package circuit

import (
	"sync"
	"time"

	"github.com/jxskiss/errors"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker tracks consecutive failures of one member.
//
// Closed: requests pass, FailureThreshold consecutive failures open it.
// Open: requests are refused until Cooldown elapsed, then the next
// Acquire moves it to HalfOpen and admits a single trial request.
// HalfOpen: the trial's success closes it, failure opens it again.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	onChange func(from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	changedAt time.Time
	probing   bool
	gen       uint64
}

// Status is a point-in-time view of a breaker.
type Status struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	Since    time.Time `json:"since"`

	// NextProbe is set while Open.
	NextProbe time.Time `json:"next_probe,omitempty"`
}

type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers fn to be called after each transition.
// fn is called without holding the breaker lock.
func OnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	b.changedAt = b.now()
	return b
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{State: b.state, Failures: b.failures, Since: b.changedAt}
	if b.state == Open {
		st.NextProbe = b.openedAt.Add(b.cfg.Cooldown)
	}
	return st
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Ready reports whether Acquire would currently admit a request,
// without changing any state.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return !b.now().Before(b.openedAt.Add(b.cfg.Cooldown))
	case HalfOpen:
		return !b.probing
	}
	return true
}

// Permit is the admission of one request, its outcome is reported
// through exactly one of Success, Failure or Cancel.
//
// Every transition starts a new generation. Outcomes of permits from an
// older generation are ignored, so a slow request admitted before the
// breaker opened cannot close it while the half-open request is in
// flight, and cannot open it again afterwards.
type Permit struct {
	b   *Breaker
	gen uint64
}

// Acquire asks permission to send one request, it returns ErrOpen
// if the breaker refuses.
func (b *Breaker) Acquire() (Permit, error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Open:
		if b.now().Before(b.openedAt.Add(b.cfg.Cooldown)) {
			b.mu.Unlock()
			return Permit{}, ErrOpen
		}
		b.setState(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return Permit{}, ErrOpen
		}
		b.probing = true
	}
	to, p := b.state, Permit{b: b, gen: b.gen}
	b.mu.Unlock()
	b.notify(from, to)
	return p, nil
}

func (p Permit) Success() {
	b := p.b
	if b == nil {
		return
	}
	b.mu.Lock()
	from := b.state
	if p.gen == b.gen {
		b.failures = 0
		if b.state == HalfOpen {
			b.setState(Closed)
			b.probing = false
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (p Permit) Failure() {
	b := p.b
	if b == nil {
		return
	}
	b.mu.Lock()
	from := b.state
	if p.gen == b.gen {
		switch b.state {
		case Closed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.trip()
			}
		case HalfOpen:
			b.trip()
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// Cancel releases the permit without an outcome, e.g. the client went
// away before the upstream answered.
func (p Permit) Cancel() {
	b := p.b
	if b == nil {
		return
	}
	b.mu.Lock()
	if p.gen == b.gen && b.state == HalfOpen {
		// a cancelled half-open request must not report later
		b.gen++
		b.probing = false
	}
	b.mu.Unlock()
}

// Reset forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.setState(Closed)
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) trip() {
	b.setState(Open)
	b.openedAt = b.changedAt
	b.failures = 0
	b.probing = false
}

// setState moves to a new generation, changedAt is kept when the state
// is unchanged.
func (b *Breaker) setState(to State) {
	b.gen++
	if b.state != to {
		b.state = to
		b.changedAt = b.now()
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
