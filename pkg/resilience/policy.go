package resilience

import (
	"math"
	"time"

	"github.com/jxskiss/gopkg/v2/fastrand"

	"github.com/jxskiss/mygw/pkg/api"
)

type Policy struct {
	MaxRetries     int
	TryTimeout     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

func PolicyFrom(r api.RetryPolicy) Policy {
	return Policy{
		MaxRetries:     r.Retries(),
		TryTimeout:     r.TryTimeout.Std(),
		InitialBackoff: r.InitialBackoff.Std(),
		MaxBackoff:     r.MaxBackoff.Std(),
		Multiplier:     r.Multiplier,
		Jitter:         true,
	}
}

// Backoff returns the delay before the given retry, counting from 1.
// The delay grows exponentially up to MaxBackoff, jitter adds up to
// another quarter of it.
func (p Policy) Backoff(retry int) time.Duration {
	if p.InitialBackoff <= 0 || retry < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialBackoff) * math.Pow(mult, float64(retry-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if delay > math.MaxInt64/2 {
		delay = math.MaxInt64 / 2
	}
	d := time.Duration(delay)
	if p.Jitter && d >= 4 {
		d += time.Duration(fastrand.Int63n(int64(d / 4)))
	}
	return d
}
