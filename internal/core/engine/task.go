// Package engine orchestrates the resolution of aggregate requests:
// cache partitioning, coalesced rate-limited fetches with retry, and
// ordered result assembly.
package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/centerfuze/opentext-service/internal/core"
	"github.com/centerfuze/opentext-service/internal/errors"
)

// TaskState tracks a fetch task through its lifecycle.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskInFlight  TaskState = "in_flight"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// Fetcher resolves a single sub-request against the upstream API.
type Fetcher interface {
	Fetch(ctx context.Context, sub core.SubRequest) (any, error)
}

// RetryPolicy bounds the retry loop around one fetch task. Only
// retryable failures (timeout, throttle, transient network) are retried.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
}

// DefaultRetryPolicy mirrors the upstream API guidance: three attempts
// with exponential backoff capped at five seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
		Jitter:        0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// Delay computes the backoff before attempt n (1-based: attempt 1 has
// already failed once). Jitter spreads retries of coalesced tasks.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.BackoffFactor
		if delay >= float64(p.MaxDelay) {
			break
		}
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// fetchTask is one pending sub-request with its slot in the input order.
type fetchTask struct {
	sub      core.SubRequest
	index    int
	state    TaskState
	attempts int
	value    any
	err      error
}

// run resolves the task: acquire a rate-limit permit, fetch, and retry
// retryable failures with backoff. The fetch itself reports the outcome
// to the limiter.
func (e *Engine) run(ctx context.Context, t *fetchTask) {
	t.state = TaskInFlight
	policy := e.Retry.withDefaults()

	for {
		t.attempts++

		if err := e.acquire(ctx); err != nil {
			t.state = TaskFailed
			t.err = err
			return
		}

		value, err := e.fetch(ctx, t.sub)

		if err == nil {
			t.state = TaskSucceeded
			t.value = value
			return
		}
		t.err = err

		if !errors.Retryable(err) || t.attempts >= policy.MaxAttempts {
			t.state = TaskFailed
			return
		}

		select {
		case <-time.After(policy.Delay(t.attempts)):
		case <-ctx.Done():
			t.state = TaskFailed
			t.err = ctx.Err()
			return
		}
	}
}
