package engine

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/centerfuze/opentext-service/internal/core"
	"github.com/centerfuze/opentext-service/internal/core/cache"
	"github.com/centerfuze/opentext-service/internal/core/ratelimit"
	"github.com/centerfuze/opentext-service/internal/errors"
	"github.com/centerfuze/opentext-service/internal/metrics"
)

const (
	DefaultConcurrency    = 8
	DefaultCacheTTL       = 10 * time.Minute
	DefaultRequestTimeout = 30 * time.Second
)

// Engine resolves aggregate requests. Cached sub-requests are answered
// locally; the rest are fetched under the rate limiter with bounded
// concurrency, identical in-flight fetches coalesced by key.
type Engine struct {
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter
	Fetcher Fetcher

	Retry       RetryPolicy
	Concurrency int

	// TTLFor picks the cache TTL for a resolved sub-request. When nil
	// every entry gets DefaultCacheTTL.
	TTLFor func(sub core.SubRequest) time.Duration

	// RequestTimeout bounds one Handle call end to end.
	RequestTimeout time.Duration

	group singleflight.Group
}

// Handle resolves req and returns per-sub-request outcomes in input
// order. Partial upstream failures are reported inside the result; only
// an invalid request yields a top-level error.
func (e *Engine) Handle(ctx context.Context, req core.AggregateRequest) (*core.AggregateResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	timeout := e.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcomes := make([]core.Outcome, len(req.SubRequests))
	var tasks []*fetchTask

	for i, sub := range req.SubRequests {
		if value, ok := e.cacheGet(sub); ok {
			outcomes[i] = core.Outcome{Sub: sub, Source: core.SourceCache, Value: value}
			continue
		}
		tasks = append(tasks, &fetchTask{sub: sub, index: i, state: TaskPending})
	}

	e.runBatch(ctx, tasks)

	for _, t := range tasks {
		if t.state == TaskSucceeded {
			outcomes[t.index] = core.Outcome{Sub: t.sub, Source: core.SourceFetch, Value: t.value}
			e.cachePut(t.sub, t.value)
			continue
		}
		outcomes[t.index] = core.Outcome{
			Sub:        t.sub,
			Source:     core.SourceError,
			ErrKind:    errors.KindOf(t.err),
			ErrMessage: errMessage(t.err),
		}
	}

	return assemble(req, outcomes), nil
}

// assemble folds per-sub outcomes into the composite result.
func assemble(req core.AggregateRequest, outcomes []core.Outcome) *core.AggregateResult {
	result := &core.AggregateResult{Outcomes: outcomes}

	for _, o := range outcomes {
		if !o.Resolved() {
			result.Unresolved = append(result.Unresolved, core.Unresolved{
				Sub:     o.Sub,
				Kind:    o.ErrKind,
				Message: o.ErrMessage,
			})
			continue
		}
		result.Resolved++

		if req.Sum == nil {
			continue
		}
		quantity := req.Sum(o.Value)
		result.Total += quantity
		if result.Breakdown == nil {
			result.Breakdown = make(map[string]float64)
		}
		result.Breakdown[o.Sub.AccountID] += quantity
	}

	return result
}

func validate(req core.AggregateRequest) error {
	if len(req.SubRequests) == 0 {
		return errors.Malformed("request contains no sub-requests")
	}
	for i, sub := range req.SubRequests {
		if sub.AccountID == "" {
			return errors.Malformed("sub-request %d: missing account id", i)
		}
		if sub.Metric == "" {
			return errors.Malformed("sub-request %d: missing metric", i)
		}
		if !sub.PeriodStart.IsZero() && !sub.PeriodEnd.IsZero() && sub.PeriodEnd.Before(sub.PeriodStart) {
			return errors.Malformed("sub-request %d: period end precedes period start", i)
		}
	}
	return nil
}

// fetch resolves one sub-request, coalescing concurrent fetches for the
// same key into a single upstream call. The limiter outcome and the
// upstream metric are recorded inside the closure so one call is
// counted once, no matter how many waiters share it.
func (e *Engine) fetch(ctx context.Context, sub core.SubRequest) (any, error) {
	value, err, _ := e.group.Do(sub.Key(), func() (any, error) {
		started := time.Now()
		value, err := e.Fetcher.Fetch(ctx, sub)
		e.report(err)
		metrics.RecordUpstreamRequest(sub.Metric, string(errors.KindOf(err)), time.Since(started))
		return value, err
	})
	return value, err
}

func (e *Engine) cacheGet(sub core.SubRequest) (any, bool) {
	if e.Cache == nil {
		return nil, false
	}
	value, ok := e.Cache.Get(sub.Key())
	metrics.RecordCacheRequest(ok)
	return value, ok
}

func (e *Engine) cachePut(sub core.SubRequest, value any) {
	if e.Cache == nil {
		return
	}
	ttl := DefaultCacheTTL
	if e.TTLFor != nil {
		ttl = e.TTLFor(sub)
	}
	e.Cache.Put(sub.Key(), value, ttl)
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.Limiter == nil {
		return ctx.Err()
	}
	return e.Limiter.Acquire(ctx)
}

func (e *Engine) report(err error) {
	if e.Limiter == nil {
		return
	}
	e.Limiter.ReportOutcome(ratelimitOutcome(err))
}

func ratelimitOutcome(err error) ratelimit.Outcome {
	if err == nil {
		return ratelimit.Outcome{}
	}
	if errors.KindOf(err) == errors.KindThrottled {
		return ratelimit.Outcome{Throttled: true}
	}
	return ratelimit.Outcome{Err: true}
}

func errMessage(err error) string {
	if err == nil {
		return "fetch did not complete"
	}
	return err.Error()
}
