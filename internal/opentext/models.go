// Package opentext holds the API models and the HTTP client for the
// upstream OpenText account, fax, porting, and usage endpoints.
package opentext

import (
	"time"

	"github.com/centerfuze/opentext-service/internal/errors"
)

// AccountStatus is the upstream account lifecycle state.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountSuspended AccountStatus = "suspended"
	AccountCancelled AccountStatus = "cancelled"
)

// PortingStatus is the lifecycle state of a number port.
type PortingStatus string

const (
	PortingPending    PortingStatus = "pending"
	PortingInProgress PortingStatus = "in_progress"
	PortingCompleted  PortingStatus = "completed"
	PortingFailed     PortingStatus = "failed"
	PortingCancelled  PortingStatus = "cancelled"
)

// ParsePortingStatus validates a porting status received at a boundary.
func ParsePortingStatus(s string) (PortingStatus, error) {
	switch PortingStatus(s) {
	case PortingPending, PortingInProgress, PortingCompleted, PortingFailed, PortingCancelled:
		return PortingStatus(s), nil
	default:
		return "", errors.Malformed("unknown porting status %q", s)
	}
}

// UsageType identifies one tracked usage dimension.
type UsageType string

const (
	UsageFaxPagesSent     UsageType = "fax_pages_sent"
	UsageFaxPagesReceived UsageType = "fax_pages_received"
	UsagePhoneMinutes     UsageType = "phone_minutes"
	UsageSMSMessages      UsageType = "sms_messages"
	UsageDataTransfer     UsageType = "data_transfer"
)

// ParseUsageType validates a usage type received at a boundary.
func ParseUsageType(s string) (UsageType, error) {
	switch UsageType(s) {
	case UsageFaxPagesSent, UsageFaxPagesReceived, UsagePhoneMinutes, UsageSMSMessages, UsageDataTransfer:
		return UsageType(s), nil
	default:
		return "", errors.Malformed("unknown usage type %q", s)
	}
}

// Account is a customer account with its child-account hierarchy.
type Account struct {
	AccountID     string         `json:"account_id"`
	AccountName   string         `json:"account_name"`
	ChildAccounts []string       `json:"child_accounts,omitempty"`
	Status        AccountStatus  `json:"status"`
	CreatedDate   time.Time      `json:"created_date"`
	LastUpdated   time.Time      `json:"last_updated"`
	ContactInfo   map[string]any `json:"contact_info,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
	BillingInfo   map[string]any `json:"billing_info,omitempty"`
}

// FaxUsage is the fax page totals for one account and period.
type FaxUsage struct {
	AccountID     string         `json:"account_id"`
	PagesSent     int            `json:"pages_sent"`
	PagesReceived int            `json:"pages_received"`
	PeriodStart   time.Time      `json:"period_start"`
	PeriodEnd     time.Time      `json:"period_end"`
	CostPerPage   float64        `json:"cost_per_page"`
	TotalCost     float64        `json:"total_cost"`
	UsageDetails  map[string]any `json:"usage_details,omitempty"`
}

// TotalPages is the sum of sent and received pages.
func (f FaxUsage) TotalPages() int {
	return f.PagesSent + f.PagesReceived
}

// NumberPorting tracks one phone-number transfer.
type NumberPorting struct {
	PhoneNumber    string        `json:"phone_number"`
	Status         PortingStatus `json:"status"`
	Carrier        string        `json:"carrier"`
	AccountID      string        `json:"account_id"`
	PortDate       *time.Time    `json:"port_date,omitempty"`
	RequestDate    time.Time     `json:"request_date"`
	CompletionDate *time.Time    `json:"completion_date,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	Documents      []string      `json:"documents,omitempty"`
}

// UsageData is one usage record of any tracked dimension.
type UsageData struct {
	AccountID   string         `json:"account_id"`
	UsageType   UsageType      `json:"usage_type"`
	Quantity    float64        `json:"quantity"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Cost        float64        `json:"cost"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Rate is the cost per unit, zero when no quantity was recorded.
func (u UsageData) Rate() float64 {
	if u.Quantity == 0 {
		return 0
	}
	return u.Cost / u.Quantity
}

// UsageAggregation summarizes one usage dimension across accounts.
type UsageAggregation struct {
	AccountIDs    []string           `json:"account_ids"`
	UsageType     UsageType          `json:"usage_type"`
	TotalQuantity float64            `json:"total_quantity"`
	TotalCost     float64            `json:"total_cost"`
	PeriodStart   time.Time          `json:"period_start"`
	PeriodEnd     time.Time          `json:"period_end"`
	Breakdown     map[string]float64 `json:"breakdown,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// AverageRate is the blended cost per unit across the aggregation.
func (a UsageAggregation) AverageRate() float64 {
	if a.TotalQuantity == 0 {
		return 0
	}
	return a.TotalCost / a.TotalQuantity
}
