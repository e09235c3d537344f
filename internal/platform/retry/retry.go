// Package retry provides exponential backoff configuration and helpers for
// the job runner (C8) and for collaborator calls guarded by a circuit
// breaker. Shaped after the teacher's pkg/mretry config (MaxRetries,
// InitialBackoff, MaxBackoff, JitterFactor, a DLQ-specific initial backoff)
// built on top of cenkalti/backoff/v4.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries     = 10
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Minute
	DefaultJitterFactor   = 0.25

	// DLQInitialBackoff is deliberately higher than DefaultInitialBackoff:
	// webhook redeliveries back off slower than internal jobs since the
	// receiving endpoint is out of our control.
	DLQInitialBackoff = 1 * time.Minute
)

// Config is an immutable, chainable backoff configuration.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultMetadataOutboxConfig is used for internal jobs (antivirus, rdf
// materialize, reindex) that retry against our own infrastructure.
func DefaultMetadataOutboxConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// DefaultDLQConfig is used for webhook delivery, which has its own
// max_attempts per §4.8 before the delivery is moved to the dead-letter
// table.
func DefaultDLQConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DLQInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

func (c Config) WithMaxRetries(n int) Config {
	c.MaxRetries = n
	return c
}

func (c Config) WithInitialBackoff(d time.Duration) Config {
	c.InitialBackoff = d
	return c
}

func (c Config) WithMaxBackoff(d time.Duration) Config {
	c.MaxBackoff = d
	return c
}

func (c Config) WithJitterFactor(f float64) Config {
	c.JitterFactor = f
	return c
}

// NewBackOff builds a cenkalti/backoff ExponentialBackOff from Config, capped
// by MaxRetries via WithMaxRetries.
func (c Config) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialBackoff
	eb.MaxInterval = c.MaxBackoff
	eb.RandomizationFactor = c.JitterFactor
	eb.Multiplier = 2

	return backoff.WithMaxRetries(eb, uint64(c.MaxRetries))
}

// Do runs fn with exponential backoff until it succeeds, the context is
// cancelled, or MaxRetries is exhausted.
func (c Config) Do(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(c.NewBackOff(), ctx))
}

// FullJitter returns a delay in [0, baseDelay], matching the teacher's
// pkg/utils jitter helper used by its own retry config singleton.
func FullJitter(baseDelay time.Duration) time.Duration {
	if baseDelay <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(baseDelay) + 1))
}
