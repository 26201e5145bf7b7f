// Package service is the business facade over the orchestration engine
// and the OpenText client. Bus handlers call it; it never touches the
// transport.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/centerfuze/opentext-service/internal/core"
	"github.com/centerfuze/opentext-service/internal/core/cache"
	"github.com/centerfuze/opentext-service/internal/core/engine"
	"github.com/centerfuze/opentext-service/internal/core/ratelimit"
	"github.com/centerfuze/opentext-service/internal/errors"
	"github.com/centerfuze/opentext-service/internal/opentext"
)

// TTLs sets the cache lifetime per resolved record type.
type TTLs struct {
	Account  time.Duration
	FaxUsage time.Duration
	Usage    time.Duration
	Porting  time.Duration
}

// DefaultTTLs mirrors the upstream data volatility: porting moves
// fastest, fax usage slowest.
func DefaultTTLs() TTLs {
	return TTLs{
		Account:  10 * time.Minute,
		FaxUsage: 15 * time.Minute,
		Usage:    10 * time.Minute,
		Porting:  5 * time.Minute,
	}
}

// Service resolves account, usage, and porting operations through the
// engine so every upstream call is cached, rate limited, and retried
// uniformly.
type Service struct {
	Client  *opentext.Client
	Engine  *engine.Engine
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter
	TTL     TTLs
}

// New wires a service and its engine around the given client.
func New(client *opentext.Client, c *cache.Cache, limiter *ratelimit.Limiter, retry engine.RetryPolicy, concurrency int) *Service {
	s := &Service{
		Client:  client,
		Cache:   c,
		Limiter: limiter,
		TTL:     DefaultTTLs(),
	}
	s.Engine = &engine.Engine{
		Cache:       c,
		Limiter:     limiter,
		Fetcher:     s,
		Retry:       retry,
		Concurrency: concurrency,
		TTLFor:      s.ttlFor,
	}
	return s
}

// ItemError reports one failed item inside a partially successful batch.
type ItemError struct {
	ID      string      `json:"id"`
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Fetch resolves one sub-request against the upstream API, dispatching
// on the metric. Usage metrics carry the usage type directly.
func (s *Service) Fetch(ctx context.Context, sub core.SubRequest) (any, error) {
	switch sub.Metric {
	case core.MetricAccount:
		return s.Client.GetAccount(ctx, sub.AccountID)
	case core.MetricFaxUsage:
		return s.Client.GetFaxUsage(ctx, sub.AccountID, sub.PeriodStart, sub.PeriodEnd)
	case core.MetricPorting:
		return s.Client.GetPortingStatus(ctx, sub.AccountID)
	default:
		usageType, err := opentext.ParseUsageType(sub.Metric)
		if err != nil {
			return nil, err
		}
		return s.Client.GetUsageData(ctx, sub.AccountID, usageType, sub.PeriodStart, sub.PeriodEnd)
	}
}

func (s *Service) ttlFor(sub core.SubRequest) time.Duration {
	switch sub.Metric {
	case core.MetricAccount:
		return s.TTL.Account
	case core.MetricFaxUsage:
		return s.TTL.FaxUsage
	case core.MetricPorting:
		return s.TTL.Porting
	default:
		return s.TTL.Usage
	}
}

// GetAccount fetches one account.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*opentext.Account, error) {
	value, err := s.resolveOne(ctx, core.SubRequest{AccountID: accountID, Metric: core.MetricAccount})
	if err != nil {
		return nil, err
	}
	return value.(*opentext.Account), nil
}

// SyncAccounts fetches the named accounts, expanding child hierarchies
// when includeChildren is set. Per-account failures do not abort the
// batch; they come back as item errors.
func (s *Service) SyncAccounts(ctx context.Context, accountIDs []string, includeChildren bool) ([]opentext.Account, []ItemError, error) {
	accounts, itemErrs, err := s.fetchAccounts(ctx, accountIDs)
	if err != nil {
		return nil, nil, err
	}

	if includeChildren {
		var childIDs []string
		seen := make(map[string]bool, len(accountIDs))
		for _, id := range accountIDs {
			seen[id] = true
		}
		for _, account := range accounts {
			for _, childID := range account.ChildAccounts {
				if !seen[childID] {
					seen[childID] = true
					childIDs = append(childIDs, childID)
				}
			}
		}

		if len(childIDs) > 0 {
			children, childErrs, err := s.fetchAccounts(ctx, childIDs)
			if err != nil {
				return nil, nil, err
			}
			accounts = append(accounts, children...)
			itemErrs = append(itemErrs, childErrs...)
		}
	}

	return accounts, itemErrs, nil
}

func (s *Service) fetchAccounts(ctx context.Context, accountIDs []string) ([]opentext.Account, []ItemError, error) {
	subs := make([]core.SubRequest, len(accountIDs))
	for i, id := range accountIDs {
		subs[i] = core.SubRequest{AccountID: id, Metric: core.MetricAccount}
	}

	result, err := s.Engine.Handle(ctx, core.AggregateRequest{SubRequests: subs})
	if err != nil {
		return nil, nil, err
	}

	var accounts []opentext.Account
	for _, o := range result.Outcomes {
		if o.Resolved() {
			accounts = append(accounts, *o.Value.(*opentext.Account))
		}
	}
	return accounts, itemErrors(result), nil
}

// GetFaxUsage fetches fax totals for one account and period.
func (s *Service) GetFaxUsage(ctx context.Context, accountID string, start, end time.Time) (*opentext.FaxUsage, error) {
	value, err := s.resolveOne(ctx, core.SubRequest{
		AccountID:   accountID,
		Metric:      core.MetricFaxUsage,
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		return nil, err
	}
	return value.(*opentext.FaxUsage), nil
}

// SyncFaxUsage fetches fax totals for many accounts over one period.
func (s *Service) SyncFaxUsage(ctx context.Context, accountIDs []string, start, end time.Time) ([]opentext.FaxUsage, []ItemError, error) {
	subs := make([]core.SubRequest, len(accountIDs))
	for i, id := range accountIDs {
		subs[i] = core.SubRequest{AccountID: id, Metric: core.MetricFaxUsage, PeriodStart: start, PeriodEnd: end}
	}

	result, err := s.Engine.Handle(ctx, core.AggregateRequest{SubRequests: subs})
	if err != nil {
		return nil, nil, err
	}

	var records []opentext.FaxUsage
	for _, o := range result.Outcomes {
		if o.Resolved() {
			records = append(records, *o.Value.(*opentext.FaxUsage))
		}
	}
	return records, itemErrors(result), nil
}

// PortingStatus fetches porting records for the given phone numbers.
func (s *Service) PortingStatus(ctx context.Context, phoneNumbers []string) ([]opentext.NumberPorting, []ItemError, error) {
	subs := make([]core.SubRequest, len(phoneNumbers))
	for i, number := range phoneNumbers {
		subs[i] = core.SubRequest{AccountID: number, Metric: core.MetricPorting}
	}

	result, err := s.Engine.Handle(ctx, core.AggregateRequest{SubRequests: subs})
	if err != nil {
		return nil, nil, err
	}

	var records []opentext.NumberPorting
	for _, o := range result.Outcomes {
		if o.Resolved() {
			records = append(records, *o.Value.(*opentext.NumberPorting))
		}
	}
	return records, itemErrors(result), nil
}

// PortingUpdate mutates an existing porting record.
type PortingUpdate struct {
	PhoneNumber    string
	Status         opentext.PortingStatus
	Notes          *string
	CompletionDate *time.Time
}

// UpdatePorting applies the update to the current upstream record and
// invalidates the cached copy.
func (s *Service) UpdatePorting(ctx context.Context, update PortingUpdate) (*opentext.NumberPorting, error) {
	value, err := s.resolveOne(ctx, core.SubRequest{AccountID: update.PhoneNumber, Metric: core.MetricPorting})
	if err != nil {
		return nil, err
	}
	porting := *value.(*opentext.NumberPorting)

	porting.Status = update.Status
	if update.Notes != nil {
		porting.Notes = *update.Notes
	}
	if update.CompletionDate != nil {
		porting.CompletionDate = update.CompletionDate
	}

	if s.Limiter != nil {
		if err := s.Limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	updated, err := s.Client.UpdatePortingStatus(ctx, &porting)
	if s.Limiter != nil {
		s.Limiter.ReportOutcome(outcomeFor(err))
	}
	if err != nil {
		return nil, err
	}

	if s.Cache != nil {
		key := core.SubRequest{AccountID: update.PhoneNumber, Metric: core.MetricPorting}.Key()
		s.Cache.Invalidate(key)
	}
	return updated, nil
}

// AggregateUsage sums one usage dimension across accounts for a period.
// The resolved count tells callers how many accounts the aggregate
// actually covers.
func (s *Service) AggregateUsage(ctx context.Context, accountIDs []string, usageType opentext.UsageType, start, end time.Time) (*opentext.UsageAggregation, int, []ItemError, error) {
	subs := make([]core.SubRequest, len(accountIDs))
	for i, id := range accountIDs {
		subs[i] = core.SubRequest{
			AccountID:   id,
			Metric:      string(usageType),
			PeriodStart: start,
			PeriodEnd:   end,
		}
	}

	result, err := s.Engine.Handle(ctx, core.AggregateRequest{
		SubRequests: subs,
		Sum:         sumUsageQuantity,
	})
	if err != nil {
		return nil, 0, nil, err
	}

	aggregation := &opentext.UsageAggregation{
		AccountIDs:    accountIDs,
		UsageType:     usageType,
		TotalQuantity: result.Total,
		PeriodStart:   start,
		PeriodEnd:     end,
		Breakdown:     result.Breakdown,
		CreatedAt:     time.Now().UTC(),
	}
	for _, o := range result.Outcomes {
		if !o.Resolved() {
			continue
		}
		for _, record := range o.Value.([]opentext.UsageData) {
			aggregation.TotalCost += record.Cost
		}
	}
	return aggregation, result.Resolved, itemErrors(result), nil
}

func sumUsageQuantity(value any) float64 {
	records, ok := value.([]opentext.UsageData)
	if !ok {
		return 0
	}
	total := 0.0
	for _, record := range records {
		total += record.Quantity
	}
	return total
}

// resolveOne routes a single sub-request through the engine, folding a
// per-item failure back into a plain error.
func (s *Service) resolveOne(ctx context.Context, sub core.SubRequest) (any, error) {
	result, err := s.Engine.Handle(ctx, core.AggregateRequest{SubRequests: []core.SubRequest{sub}})
	if err != nil {
		return nil, err
	}
	o := result.Outcomes[0]
	if !o.Resolved() {
		return nil, &errors.UpstreamError{Kind: o.ErrKind, Message: o.ErrMessage}
	}
	return o.Value, nil
}

func itemErrors(result *core.AggregateResult) []ItemError {
	var items []ItemError
	for _, u := range result.Unresolved {
		items = append(items, ItemError{ID: u.Sub.AccountID, Kind: u.Kind, Message: u.Message})
	}
	return items
}

func outcomeFor(err error) ratelimit.Outcome {
	if err == nil {
		return ratelimit.Outcome{}
	}
	if errors.KindOf(err) == errors.KindThrottled {
		return ratelimit.Outcome{Throttled: true}
	}
	return ratelimit.Outcome{Err: true}
}

// Health describes the service and its upstream dependency.
type Health struct {
	Status         string          `json:"status"`
	UpstreamStatus string          `json:"api_status,omitempty"`
	UpstreamError  string          `json:"error,omitempty"`
	ResponseTimeMS int64           `json:"response_time_ms"`
	Cache          cache.Stats     `json:"cache"`
	RateLimit      ratelimit.State `json:"rate_limit"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Healthy reports whether the upstream probe succeeded.
func (h Health) Healthy() bool { return h.Status == "healthy" }

// Health probes the upstream API and snapshots cache and limiter state.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Timestamp: time.Now().UTC()}

	status, latency, err := s.Client.Health(ctx)
	h.ResponseTimeMS = latency.Milliseconds()
	if err != nil {
		h.Status = "unhealthy"
		h.UpstreamError = err.Error()
	} else {
		h.Status = "healthy"
		h.UpstreamStatus = status
	}

	if s.Cache != nil {
		h.Cache = s.Cache.Stats()
	}
	if s.Limiter != nil {
		h.RateLimit = s.Limiter.Snapshot()
	}
	return h
}

var _ engine.Fetcher = (*Service)(nil)

// String implements fmt.Stringer for log fields.
func (e ItemError) String() string {
	return fmt.Sprintf("%s: %s (%s)", e.ID, e.Message, e.Kind)
}
