package recovery

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential retry delays with additive jitter.
//
// delay(n) = min(Base * 2^n + jitter, Max), jitter in [MinJitter, MaxJitter]
// of the exponential term. Jitter only ever adds to the exponential term.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	MinJitter float64
	MaxJitter float64

	mu   sync.Mutex
	rand func() float64
}

// DefaultBackoff returns the engine backoff: 1s base, 30s cap, 10-30% jitter.
func DefaultBackoff() *Backoff {
	return &Backoff{
		Base:      time.Second,
		Max:       30 * time.Second,
		MinJitter: 0.10,
		MaxJitter: 0.30,
	}
}

// WithRand replaces the jitter source, which must return values in [0, 1).
func (b *Backoff) WithRand(fn func() float64) *Backoff {
	b.mu.Lock()
	b.rand = fn
	b.mu.Unlock()
	return b
}

// WithSeed makes the jitter sequence reproducible.
func (b *Backoff) WithSeed(seed int64) *Backoff {
	r := rand.New(rand.NewSource(seed))
	return b.WithRand(r.Float64)
}

// Delay returns the delay before retry number retryCount (0-based).
func (b *Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	exp := float64(b.Base) * math.Pow(2, float64(retryCount))
	if exp >= float64(b.Max) {
		return b.Max
	}

	b.mu.Lock()
	r := b.rand
	var u float64
	if r != nil {
		u = r()
	} else {
		u = rand.Float64()
	}
	b.mu.Unlock()

	fraction := b.MinJitter + u*(b.MaxJitter-b.MinJitter)
	delay := exp + exp*fraction
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}
