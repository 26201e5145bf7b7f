package opentext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/centerfuze/opentext-service/internal/errors"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "CenterFuze-OpenText-Service/1.0"

	// Error bodies larger than this are truncated before they reach logs.
	maxErrorBody = 4 * 1024
)

// Client calls the upstream OpenText REST API. It performs no caching,
// rate limiting, or retries; the orchestration engine owns those.
type Client struct {
	BaseURL   string
	APIKey    string
	APISecret string

	// HTTPClient overrides the transport, for tests. Timeout and
	// UserAgent fall back to package defaults when zero.
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
}

// GetAccount fetches a single account by id.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	path := "/accounts/" + url.PathEscape(accountID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetChildAccounts fetches the direct children of a parent account.
func (c *Client) GetChildAccounts(ctx context.Context, parentID string) ([]Account, error) {
	var payload struct {
		Accounts []Account `json:"accounts"`
	}
	path := "/accounts/" + url.PathEscape(parentID) + "/children"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Accounts, nil
}

// GetFaxUsage fetches fax page totals for one account and period.
func (c *Client) GetFaxUsage(ctx context.Context, accountID string, start, end time.Time) (*FaxUsage, error) {
	query := url.Values{
		"start_date": {start.UTC().Format(time.RFC3339)},
		"end_date":   {end.UTC().Format(time.RFC3339)},
	}

	var usage FaxUsage
	path := "/accounts/" + url.PathEscape(accountID) + "/fax/usage"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// GetUsageData fetches usage records of one type for an account and period.
func (c *Client) GetUsageData(ctx context.Context, accountID string, usageType UsageType, start, end time.Time) ([]UsageData, error) {
	query := url.Values{
		"usage_type": {string(usageType)},
		"start_date": {start.UTC().Format(time.RFC3339)},
		"end_date":   {end.UTC().Format(time.RFC3339)},
	}

	var payload struct {
		Usage []UsageData `json:"usage"`
	}
	path := "/accounts/" + url.PathEscape(accountID) + "/usage"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Usage, nil
}

// GetPortingStatus fetches the porting record for a phone number.
func (c *Client) GetPortingStatus(ctx context.Context, phoneNumber string) (*NumberPorting, error) {
	var porting NumberPorting
	path := "/porting/" + url.PathEscape(phoneNumber)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &porting); err != nil {
		return nil, err
	}
	return &porting, nil
}

// UpdatePortingStatus replaces the porting record for porting.PhoneNumber.
func (c *Client) UpdatePortingStatus(ctx context.Context, porting *NumberPorting) (*NumberPorting, error) {
	var updated NumberPorting
	path := "/porting/" + url.PathEscape(porting.PhoneNumber)
	if err := c.do(ctx, http.MethodPut, path, nil, porting, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Health probes the upstream health endpoint and reports its latency.
func (c *Client) Health(ctx context.Context) (status string, latency time.Duration, err error) {
	var payload struct {
		Status string `json:"status"`
	}

	started := time.Now()
	err = c.do(ctx, http.MethodGet, "/health", nil, nil, &payload)
	latency = time.Since(started)
	if err != nil {
		return "", latency, err
	}
	if payload.Status == "" {
		payload.Status = "unknown"
	}
	return payload.Status, latency, nil
}

// do issues one request and decodes the JSON response into out. Failures
// come back as *errors.UpstreamError classified by the response status.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	if c.APISecret != "" {
		req.Header.Set("X-Api-Secret", c.APISecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return upstreamError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errors.UpstreamError{
			Kind:       errors.KindInternal,
			StatusCode: resp.StatusCode,
			Message:    "undecodable response body",
			Err:        err,
		}
	}
	return nil
}

// transportError maps a transport-level failure onto the error taxonomy.
func transportError(ctx context.Context, err error) error {
	kind := errors.KindTransientNetwork
	if ctx.Err() != nil {
		kind = errors.KindTimeout
	}
	return &errors.UpstreamError{Kind: kind, Message: "request failed", Err: err}
}

// upstreamError converts a >=400 response into a classified error,
// honoring Retry-After on throttle responses.
func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	message := strings.TrimSpace(string(body))
	if message == "" {
		message = resp.Status
	}

	return &errors.UpstreamError{
		Kind:       errors.ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: retryAfterHeader(resp.Header.Get("Retry-After")),
	}
}

// retryAfterHeader parses a Retry-After value, either delta-seconds or
// an HTTP date.
func retryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}
