// Package bus exposes the service over NATS request/reply subjects.
package bus

import (
	"time"

	"github.com/centerfuze/opentext-service/internal/errors"
	"github.com/centerfuze/opentext-service/internal/opentext"
	"github.com/centerfuze/opentext-service/internal/service"
)

// Subjects served by the controller, relative to the subject prefix.
const (
	SubjectAccountSync    = "account.sync"
	SubjectAccountGet     = "account.get"
	SubjectFaxUsageGet    = "fax.usage.get"
	SubjectFaxUsageSync   = "fax.usage.sync"
	SubjectPortingStatus  = "porting.status"
	SubjectPortingUpdate  = "porting.update"
	SubjectUsageAggregate = "usage.aggregate"
	SubjectHealthCheck    = "health.check"
)

// DefaultSubjectPrefix is prepended to every subject.
const DefaultSubjectPrefix = "opentext"

// Response is the reply envelope for every subject.
type Response struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Data      any       `json:"data"`
}

// ErrorBody is the data payload of a failed reply.
type ErrorBody struct {
	Error string      `json:"error"`
	Kind  errors.Kind `json:"kind,omitempty"`
}

// AccountSyncRequest asks for a batch of accounts, optionally expanding
// each account's children. include_children defaults to true.
type AccountSyncRequest struct {
	AccountIDs      []string `json:"account_ids"`
	IncludeChildren *bool    `json:"include_children,omitempty"`
}

func (r AccountSyncRequest) Validate() error {
	if len(r.AccountIDs) == 0 {
		return errors.Malformed("account_ids must be provided for sync")
	}
	return nil
}

func (r AccountSyncRequest) WithChildren() bool {
	return r.IncludeChildren == nil || *r.IncludeChildren
}

// AccountGetRequest asks for a single account.
type AccountGetRequest struct {
	AccountID string `json:"account_id"`
}

func (r AccountGetRequest) Validate() error {
	if r.AccountID == "" {
		return errors.Malformed("account_id is required")
	}
	return nil
}

// FaxUsageGetRequest asks for one account's fax totals over a period.
type FaxUsageGetRequest struct {
	AccountID string `json:"account_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (r FaxUsageGetRequest) Validate() error {
	if r.AccountID == "" || r.StartDate == "" || r.EndDate == "" {
		return errors.Malformed("account_id, start_date, and end_date are required")
	}
	_, _, err := parsePeriod(r.StartDate, r.EndDate)
	return err
}

func (r FaxUsageGetRequest) Period() (time.Time, time.Time, error) {
	return parsePeriod(r.StartDate, r.EndDate)
}

// FaxUsageSyncRequest asks for many accounts' fax totals over a period.
type FaxUsageSyncRequest struct {
	AccountIDs []string `json:"account_ids"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
}

func (r FaxUsageSyncRequest) Validate() error {
	if len(r.AccountIDs) == 0 || r.StartDate == "" || r.EndDate == "" {
		return errors.Malformed("account_ids, start_date, and end_date are required")
	}
	_, _, err := parsePeriod(r.StartDate, r.EndDate)
	return err
}

func (r FaxUsageSyncRequest) Period() (time.Time, time.Time, error) {
	return parsePeriod(r.StartDate, r.EndDate)
}

// PortingStatusRequest asks for porting records. A single phone_number
// is accepted as shorthand for a one-element phone_numbers list.
type PortingStatusRequest struct {
	PhoneNumbers []string `json:"phone_numbers,omitempty"`
	PhoneNumber  string   `json:"phone_number,omitempty"`
}

func (r PortingStatusRequest) Validate() error {
	if len(r.Numbers()) == 0 {
		return errors.Malformed("phone_numbers or phone_number is required")
	}
	return nil
}

// Numbers normalizes the request to a list.
func (r PortingStatusRequest) Numbers() []string {
	if r.PhoneNumber != "" {
		return []string{r.PhoneNumber}
	}
	return r.PhoneNumbers
}

// Single reports whether the caller used the single-number shorthand.
func (r PortingStatusRequest) Single() bool {
	return r.PhoneNumber != ""
}

// PortingUpdateRequest mutates one porting record.
type PortingUpdateRequest struct {
	PhoneNumber    string  `json:"phone_number"`
	Status         string  `json:"status"`
	Notes          *string `json:"notes,omitempty"`
	CompletionDate *string `json:"completion_date,omitempty"`
}

func (r PortingUpdateRequest) Validate() error {
	if r.PhoneNumber == "" || r.Status == "" {
		return errors.Malformed("phone_number and status are required")
	}
	if _, err := opentext.ParsePortingStatus(r.Status); err != nil {
		return err
	}
	if r.CompletionDate != nil && *r.CompletionDate != "" {
		if _, err := parseTime("completion_date", *r.CompletionDate); err != nil {
			return err
		}
	}
	return nil
}

// UsageAggregateRequest sums one usage dimension across accounts.
type UsageAggregateRequest struct {
	AccountIDs []string `json:"account_ids"`
	UsageType  string   `json:"usage_type"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
}

func (r UsageAggregateRequest) Validate() error {
	if len(r.AccountIDs) == 0 || r.UsageType == "" || r.StartDate == "" || r.EndDate == "" {
		return errors.Malformed("account_ids, usage_type, start_date, and end_date are required")
	}
	if _, err := opentext.ParseUsageType(r.UsageType); err != nil {
		return err
	}
	_, _, err := parsePeriod(r.StartDate, r.EndDate)
	return err
}

func (r UsageAggregateRequest) Period() (time.Time, time.Time, error) {
	return parsePeriod(r.StartDate, r.EndDate)
}

// Reply payloads per subject.

type AccountSyncResponse struct {
	Accounts        []opentext.Account  `json:"accounts"`
	TotalCount      int                 `json:"total_count"`
	IncludeChildren bool                `json:"include_children"`
	Errors          []service.ItemError `json:"errors,omitempty"`
}

type AccountGetResponse struct {
	Account *opentext.Account `json:"account"`
}

type FaxUsageGetResponse struct {
	FaxUsage *opentext.FaxUsage `json:"fax_usage"`
}

type FaxUsageSyncResponse struct {
	FaxUsageRecords []opentext.FaxUsage `json:"fax_usage_records"`
	TotalCount      int                 `json:"total_count"`
	Errors          []service.ItemError `json:"errors,omitempty"`
}

type PortingRecordResponse struct {
	Porting *opentext.NumberPorting `json:"porting"`
}

type PortingStatusResponse struct {
	PortingRecords []opentext.NumberPorting `json:"porting_records"`
	TotalCount     int                      `json:"total_count"`
	Errors         []service.ItemError      `json:"errors,omitempty"`
}

type UsageAggregateResponse struct {
	Aggregation   *opentext.UsageAggregation `json:"aggregation"`
	ResolvedCount int                        `json:"resolved_count"`
	Errors        []service.ItemError        `json:"errors,omitempty"`
}

type HealthCheckResponse struct {
	service.Health

	NATSConnected       bool   `json:"nats_connected"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
	Service             string `json:"service"`
}

func parsePeriod(start, end string) (time.Time, time.Time, error) {
	startAt, err := parseTime("start_date", start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	endAt, err := parseTime("end_date", end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if endAt.Before(startAt) {
		return time.Time{}, time.Time{}, errors.Malformed("end_date precedes start_date")
	}
	return startAt, endAt, nil
}

// parseTime accepts RFC 3339 or a zoneless ISO 8601 timestamp.
func parseTime(field, value string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at, nil
	}
	if at, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return at.UTC(), nil
	}
	return time.Time{}, errors.Malformed("%s: invalid timestamp %q", field, value)
}
