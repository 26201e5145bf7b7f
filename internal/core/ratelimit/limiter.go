// Package ratelimit implements the adaptive token-bucket limiter gating
// all upstream OpenText calls. The sustained rate shrinks multiplicatively
// when the upstream throttles and recovers additively after a run of
// successful calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes the limiter. Zero values fall back to the defaults below.
type Config struct {
	InitialRate float64
	MinRate     float64
	MaxRate     float64
	Burst       int

	// IncreaseStep is added to the rate after IncreaseAfter consecutive
	// successes. DecreaseFactor multiplies the rate on a throttle signal.
	IncreaseStep   float64
	IncreaseAfter  int
	DecreaseFactor float64

	// AdjustmentInterval is the minimum spacing between rate decreases,
	// so one burst of 429s does not collapse the rate to the floor.
	AdjustmentInterval time.Duration
}

const (
	defaultInitialRate        = 5.0
	defaultMinRate            = 0.5
	defaultMaxRate            = 20.0
	defaultBurst              = 5
	defaultIncreaseStep       = 0.5
	defaultIncreaseAfter      = 10
	defaultDecreaseFactor     = 0.5
	defaultAdjustmentInterval = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.InitialRate <= 0 {
		c.InitialRate = defaultInitialRate
	}
	if c.MinRate <= 0 {
		c.MinRate = defaultMinRate
	}
	if c.MaxRate <= 0 {
		c.MaxRate = defaultMaxRate
	}
	if c.MaxRate < c.MinRate {
		c.MaxRate = c.MinRate
	}
	if c.InitialRate < c.MinRate {
		c.InitialRate = c.MinRate
	}
	if c.InitialRate > c.MaxRate {
		c.InitialRate = c.MaxRate
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.IncreaseStep <= 0 {
		c.IncreaseStep = defaultIncreaseStep
	}
	if c.IncreaseAfter <= 0 {
		c.IncreaseAfter = defaultIncreaseAfter
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = defaultDecreaseFactor
	}
	if c.AdjustmentInterval <= 0 {
		c.AdjustmentInterval = defaultAdjustmentInterval
	}
	return c
}

// Outcome reports the result of one permitted upstream call.
type Outcome struct {
	// Throttled marks an explicit upstream throttle response.
	Throttled bool
	// Err marks any other failure. Successes leave both false.
	Err bool
}

// State is a snapshot of the adaptive policy.
type State struct {
	Rate                 float64   `json:"rate"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastAdjustment       time.Time `json:"last_adjustment"`
}

// Limiter issues permits at an adaptive sustained rate. Safe for
// concurrent use.
type Limiter struct {
	// Clock overrides the time source, for tests.
	Clock func() time.Time

	cfg    Config
	bucket *rate.Limiter
	mu     sync.Mutex
	state  State
}

// New creates a limiter starting at cfg.InitialRate.
func New(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.InitialRate), cfg.Burst),
		state:  State{Rate: cfg.InitialRate},
	}
}

// Acquire blocks until a permit is available or ctx ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// ReportOutcome feeds one call result into the adaptive policy and applies
// any resulting rate change to the bucket.
func (l *Limiter) ReportOutcome(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := nextState(l.cfg, l.state, o, l.now())
	if next.Rate != l.state.Rate {
		l.bucket.SetLimit(rate.Limit(next.Rate))
	}
	l.state = next
}

// Snapshot returns the current policy state.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// nextState is the pure adjustment policy: throttles decrease the rate
// multiplicatively (at most once per AdjustmentInterval), runs of
// IncreaseAfter successes increase it additively, and both moves stay
// inside [MinRate, MaxRate].
func nextState(cfg Config, s State, o Outcome, now time.Time) State {
	switch {
	case o.Throttled:
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if now.Sub(s.LastAdjustment) >= cfg.AdjustmentInterval {
			s.Rate = max(cfg.MinRate, s.Rate*cfg.DecreaseFactor)
			s.LastAdjustment = now
		}
	case o.Err:
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
	default:
		s.ConsecutiveFailures = 0
		s.ConsecutiveSuccesses++
		if s.ConsecutiveSuccesses >= cfg.IncreaseAfter {
			s.Rate = min(cfg.MaxRate, s.Rate+cfg.IncreaseStep)
			s.ConsecutiveSuccesses = 0
			s.LastAdjustment = now
		}
	}
	return s
}

func (l *Limiter) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}
