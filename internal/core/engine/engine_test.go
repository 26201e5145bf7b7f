package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/centerfuze/opentext-service/internal/core"
	"github.com/centerfuze/opentext-service/internal/core/cache"
	"github.com/centerfuze/opentext-service/internal/core/ratelimit"
	"github.com/centerfuze/opentext-service/internal/errors"
)

// stubFetcher counts calls per key and tracks peak concurrency.
type stubFetcher struct {
	mu          sync.Mutex
	calls       map[string]int
	inFlight    int
	maxInFlight int

	delay time.Duration
	fn    func(sub core.SubRequest) (any, error)
}

func newStubFetcher(fn func(sub core.SubRequest) (any, error)) *stubFetcher {
	return &stubFetcher{calls: make(map[string]int), fn: fn}
}

func (f *stubFetcher) Fetch(ctx context.Context, sub core.SubRequest) (any, error) {
	f.mu.Lock()
	f.calls[sub.Key()]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.done()
			return nil, ctx.Err()
		}
	}

	f.done()
	return f.fn(sub)
}

func (f *stubFetcher) done() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *stubFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
		Jitter:        0,
	}
}

func newTestEngine(fetcher Fetcher) *Engine {
	return &Engine{
		Cache:   cache.New(128),
		Limiter: ratelimit.New(ratelimit.Config{InitialRate: 1000, MinRate: 1, MaxRate: 1000, Burst: 100}),
		Fetcher: fetcher,
		Retry:   fastRetry(),
	}
}

func sub(account, metric string) core.SubRequest {
	return core.SubRequest{AccountID: account, Metric: metric}
}

func TestHandlePreservesInputOrder(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) {
		if s.AccountID == "bad" {
			return nil, errors.NewUpstream(errors.KindNotFound, "no such account")
		}
		return s.AccountID, nil
	})
	e := newTestEngine(fetcher)

	subs := []core.SubRequest{sub("a1", "account"), sub("bad", "account"), sub("a3", "account")}
	result, err := e.Handle(context.Background(), core.AggregateRequest{SubRequests: subs})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 3)

	require.Equal(t, "a1", result.Outcomes[0].Value)
	require.Equal(t, core.SourceError, result.Outcomes[1].Source)
	require.Equal(t, errors.KindNotFound, result.Outcomes[1].ErrKind)
	require.Equal(t, "a3", result.Outcomes[2].Value)

	require.Equal(t, 2, result.Resolved)
	require.Len(t, result.Unresolved, 1)
	require.Equal(t, "bad", result.Unresolved[0].Sub.AccountID)
}

func TestHandleServesSecondCallFromCache(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) { return 42, nil })
	e := newTestEngine(fetcher)

	req := core.AggregateRequest{SubRequests: []core.SubRequest{sub("a1", "account")}}

	first, err := e.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, core.SourceFetch, first.Outcomes[0].Source)

	second, err := e.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, core.SourceCache, second.Outcomes[0].Source)
	require.Equal(t, 42, second.Outcomes[0].Value)
	require.Equal(t, 1, fetcher.totalCalls())
}

func TestHandleDoesNotCacheFailures(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) {
		return nil, errors.NewUpstream(errors.KindNotFound, "gone")
	})
	e := newTestEngine(fetcher)

	req := core.AggregateRequest{SubRequests: []core.SubRequest{sub("a1", "account")}}
	_, err := e.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 0, e.Cache.Len())
}

func TestHandleBoundsConcurrency(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) { return 1, nil })
	fetcher.delay = 20 * time.Millisecond
	e := newTestEngine(fetcher)
	e.Concurrency = 3

	var subs []core.SubRequest
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		subs = append(subs, sub(id, "account"))
	}

	result, err := e.Handle(context.Background(), core.AggregateRequest{SubRequests: subs})
	require.NoError(t, err)
	require.Equal(t, 10, result.Resolved)
	require.LessOrEqual(t, fetcher.maxInFlight, 3)
}

func TestHandleRetriesRetryableFailures(t *testing.T) {
	attempts := 0
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.NewUpstream(errors.KindThrottled, "slow down")
		}
		return "ok", nil
	})
	e := newTestEngine(fetcher)

	result, err := e.Handle(context.Background(), core.AggregateRequest{
		SubRequests: []core.SubRequest{sub("a1", "account")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Resolved)
	require.Equal(t, "ok", result.Outcomes[0].Value)
	require.Equal(t, 3, attempts)
}

func TestHandleDoesNotRetryTerminalFailures(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) {
		return nil, errors.NewUpstream(errors.KindAuthError, "bad credentials")
	})
	e := newTestEngine(fetcher)

	result, err := e.Handle(context.Background(), core.AggregateRequest{
		SubRequests: []core.SubRequest{sub("a1", "account")},
	})
	require.NoError(t, err)
	require.Equal(t, errors.KindAuthError, result.Outcomes[0].ErrKind)
	require.Equal(t, 1, fetcher.totalCalls())
}

func TestHandleExhaustsRetryBudget(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) {
		return nil, errors.NewUpstream(errors.KindTransientNetwork, "connection reset")
	})
	e := newTestEngine(fetcher)

	result, err := e.Handle(context.Background(), core.AggregateRequest{
		SubRequests: []core.SubRequest{sub("a1", "account")},
	})
	require.NoError(t, err)
	require.Equal(t, errors.KindTransientNetwork, result.Outcomes[0].ErrKind)
	require.Equal(t, 3, fetcher.totalCalls())
}

func TestHandleCoalescesDuplicateKeys(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) { return "v", nil })
	fetcher.delay = 20 * time.Millisecond
	e := newTestEngine(fetcher)
	e.Concurrency = 4

	result, err := e.Handle(context.Background(), core.AggregateRequest{
		SubRequests: []core.SubRequest{
			sub("a1", "account"), sub("a1", "account"),
			sub("a1", "account"), sub("a1", "account"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 4, result.Resolved)
	require.Less(t, fetcher.totalCalls(), 4)
}

func TestCoalescedFetchReportsOneLimiterOutcome(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) { return "v", nil })
	fetcher.delay = 20 * time.Millisecond
	e := newTestEngine(fetcher)
	e.Concurrency = 4

	_, err := e.Handle(context.Background(), core.AggregateRequest{
		SubRequests: []core.SubRequest{
			sub("a1", "account"), sub("a1", "account"),
			sub("a1", "account"), sub("a1", "account"),
		},
	})
	require.NoError(t, err)

	// One upstream call feeds the limiter once, no matter how many
	// waiters shared it.
	state := e.Limiter.Snapshot()
	require.Equal(t, fetcher.totalCalls(), state.ConsecutiveSuccesses)
}

func TestHandleRejectsMalformedRequests(t *testing.T) {
	e := newTestEngine(newStubFetcher(func(s core.SubRequest) (any, error) { return nil, nil }))

	cases := []struct {
		name string
		req  core.AggregateRequest
	}{
		{"empty", core.AggregateRequest{}},
		{"missing account", core.AggregateRequest{SubRequests: []core.SubRequest{sub("", "account")}}},
		{"missing metric", core.AggregateRequest{SubRequests: []core.SubRequest{sub("a1", "")}}},
		{"inverted period", core.AggregateRequest{SubRequests: []core.SubRequest{{
			AccountID:   "a1",
			Metric:      "fax_usage",
			PeriodStart: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
			PeriodEnd:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Handle(context.Background(), tc.req)
			require.Error(t, err)
			require.Equal(t, errors.KindMalformedRequest, errors.KindOf(err))
		})
	}
}

func TestHandleTimesOutSlowFetches(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) { return "v", nil })
	fetcher.delay = time.Second
	e := newTestEngine(fetcher)
	e.RequestTimeout = 30 * time.Millisecond

	result, err := e.Handle(context.Background(), core.AggregateRequest{
		SubRequests: []core.SubRequest{sub("a1", "account")},
	})
	require.NoError(t, err)
	require.Len(t, result.Unresolved, 1)
	require.Equal(t, errors.KindTimeout, result.Unresolved[0].Kind)
}

func TestHandleAggregatesWithBreakdown(t *testing.T) {
	values := map[string]float64{"a1": 10, "a2": 25}
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) {
		return values[s.AccountID], nil
	})
	e := newTestEngine(fetcher)

	result, err := e.Handle(context.Background(), core.AggregateRequest{
		SubRequests: []core.SubRequest{sub("a1", "fax_pages_sent"), sub("a2", "fax_pages_sent")},
		Sum:         func(v any) float64 { return v.(float64) },
	})
	require.NoError(t, err)
	require.Equal(t, 35.0, result.Total)
	require.Equal(t, map[string]float64{"a1": 10, "a2": 25}, result.Breakdown)
}

func TestHandleIsIdempotentAcrossCalls(t *testing.T) {
	fetcher := newStubFetcher(func(s core.SubRequest) (any, error) { return s.AccountID, nil })
	e := newTestEngine(fetcher)

	req := core.AggregateRequest{SubRequests: []core.SubRequest{sub("a1", "account"), sub("a2", "account")}}

	first, err := e.Handle(context.Background(), req)
	require.NoError(t, err)
	second, err := e.Handle(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first.Resolved, second.Resolved)
	for i := range first.Outcomes {
		require.Equal(t, first.Outcomes[i].Value, second.Outcomes[i].Value)
	}
}
