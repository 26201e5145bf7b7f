// Package core defines the value types moved through the orchestration
// engine. Payload values are opaque to the engine; only identity keys and
// aggregation hooks are interpreted here.
package core

import (
	"strings"
	"time"

	"github.com/centerfuze/opentext-service/internal/errors"
)

// Well-known metrics for non-usage sub-requests. Usage sub-requests carry
// the upstream usage type string (fax_pages_sent, phone_minutes, ...) directly.
const (
	MetricAccount  = "account"
	MetricFaxUsage = "fax_usage"
	MetricPorting  = "porting"
)

// SubRequest is the smallest unit of decomposition: one subject (account id
// or phone number), one metric, one period. Immutable once created; its key
// doubles as the cache key and the single-flight key.
type SubRequest struct {
	AccountID   string
	Metric      string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Key derives the deterministic identity key for caching and coalescing.
func (s SubRequest) Key() string {
	parts := []string{s.Metric, s.AccountID}
	if !s.PeriodStart.IsZero() || !s.PeriodEnd.IsZero() {
		parts = append(parts,
			s.PeriodStart.UTC().Format(time.RFC3339),
			s.PeriodEnd.UTC().Format(time.RFC3339),
		)
	}
	return strings.Join(parts, "|")
}

// AggregateRequest is one logical request: an ordered list of sub-requests
// plus an optional reducer applied to successfully resolved values.
type AggregateRequest struct {
	SubRequests []SubRequest

	// Sum extracts the quantity contributed by one resolved value.
	// When nil no aggregate is computed.
	Sum func(value any) float64
}

// Source records where a sub-request outcome came from.
type Source string

const (
	SourceCache Source = "cache"
	SourceFetch Source = "fetch"
	SourceError Source = "error"
)

// Outcome is the per-sub-request result, in input order.
type Outcome struct {
	Sub    SubRequest
	Source Source
	Value  any

	// Populated when Source == SourceError.
	ErrKind    errors.Kind
	ErrMessage string
}

// Resolved reports whether the outcome carries a usable value.
func (o Outcome) Resolved() bool {
	return o.Source == SourceCache || o.Source == SourceFetch
}

// Unresolved identifies a failed sub-request and why it failed.
type Unresolved struct {
	Sub     SubRequest
	Kind    errors.Kind
	Message string
}

// AggregateResult is the composite response for one logical request.
// Outcomes preserve the order of AggregateRequest.SubRequests.
type AggregateResult struct {
	Outcomes   []Outcome
	Resolved   int
	Unresolved []Unresolved

	// Total and Breakdown are populated when the request supplied Sum.
	Total     float64
	Breakdown map[string]float64
}
