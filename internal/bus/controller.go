package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/centerfuze/opentext-service/internal/errors"
	"github.com/centerfuze/opentext-service/internal/metrics"
	"github.com/centerfuze/opentext-service/internal/observability"
	"github.com/centerfuze/opentext-service/internal/opentext"
	"github.com/centerfuze/opentext-service/internal/service"
)

const (
	// DefaultQueueGroup spreads requests across service instances.
	DefaultQueueGroup = "opentext-service"

	defaultHandlerTimeout = 30 * time.Second
)

// handlerFunc is one decoded subject handler. The wrapper owns JSON
// framing, reply publication, logging, and metrics.
type handlerFunc func(ctx context.Context, data []byte) (any, error)

// Controller subscribes the service to its request/reply subjects.
type Controller struct {
	Conn    *nats.Conn
	Service *service.Service

	// SubjectPrefix and QueueGroup fall back to the package defaults.
	SubjectPrefix string
	QueueGroup    string

	// HandlerTimeout bounds one request end to end.
	HandlerTimeout time.Duration

	subs []*nats.Subscription
}

// Start subscribes every subject. Call Close to tear the subscriptions
// down again.
func (c *Controller) Start() error {
	routes := []struct {
		subject string
		handle  handlerFunc
	}{
		{SubjectAccountSync, c.handleAccountSync},
		{SubjectAccountGet, c.handleAccountGet},
		{SubjectFaxUsageGet, c.handleFaxUsageGet},
		{SubjectFaxUsageSync, c.handleFaxUsageSync},
		{SubjectPortingStatus, c.handlePortingStatus},
		{SubjectPortingUpdate, c.handlePortingUpdate},
		{SubjectUsageAggregate, c.handleUsageAggregate},
		{SubjectHealthCheck, c.handleHealthCheck},
	}

	for _, route := range routes {
		subject := c.subject(route.subject)
		sub, err := c.Conn.QueueSubscribe(subject, c.queueGroup(), c.wrap(subject, route.handle))
		if err != nil {
			c.Close()
			return err
		}
		c.subs = append(c.subs, sub)
		c.logInfo("subscribed", zap.String("subject", subject))
	}

	c.logInfo("bus controller started", zap.Int("subscriptions", len(c.subs)))
	return nil
}

// Close unsubscribes every subject. Safe to call more than once.
func (c *Controller) Close() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logError("unsubscribe failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	c.subs = nil
}

// wrap turns a decoded handler into a NATS message handler. Requests
// run concurrently; the subscription goroutine only dispatches.
func (c *Controller) wrap(subject string, handle handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		go c.process(subject, handle, msg)
	}
}

func (c *Controller) process(subject string, handle handlerFunc, msg *nats.Msg) {
	timeout := c.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	requestID := uuid.NewString()
	started := time.Now()
	data, err := handle(ctx, msg.Data)
	elapsed := time.Since(started)

	response := Response{Success: err == nil, Timestamp: time.Now().UTC(), RequestID: requestID}
	if err != nil {
		kind := errors.KindOf(err)
		response.Data = ErrorBody{Error: errorMessage(err), Kind: kind}

		c.logError("request failed",
			zap.String("subject", subject),
			zap.String("request_id", requestID),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		metrics.RecordErrorBySubject(subject, string(kind))
	} else {
		response.Data = data

		c.logInfo("request handled",
			zap.String("subject", subject),
			zap.String("request_id", requestID),
			zap.Duration("elapsed", elapsed),
		)
	}
	metrics.RecordBusRequest(subject, err == nil, elapsed)

	if msg.Reply == "" {
		return
	}
	payload, marshalErr := json.Marshal(response)
	if marshalErr != nil {
		c.logError("encode response failed", zap.String("subject", subject), zap.Error(marshalErr))
		return
	}
	if respondErr := msg.Respond(payload); respondErr != nil {
		c.logError("respond failed", zap.String("subject", subject), zap.Error(respondErr))
	}
}

// Account handlers

func (c *Controller) handleAccountSync(ctx context.Context, data []byte) (any, error) {
	var req AccountSyncRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}

	accounts, itemErrs, err := c.Service.SyncAccounts(ctx, req.AccountIDs, req.WithChildren())
	if err != nil {
		return nil, err
	}
	return AccountSyncResponse{
		Accounts:        accounts,
		TotalCount:      len(accounts),
		IncludeChildren: req.WithChildren(),
		Errors:          itemErrs,
	}, nil
}

func (c *Controller) handleAccountGet(ctx context.Context, data []byte) (any, error) {
	var req AccountGetRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}

	account, err := c.Service.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	return AccountGetResponse{Account: account}, nil
}

// Fax usage handlers

func (c *Controller) handleFaxUsageGet(ctx context.Context, data []byte) (any, error) {
	var req FaxUsageGetRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	start, end, err := req.Period()
	if err != nil {
		return nil, err
	}

	usage, err := c.Service.GetFaxUsage(ctx, req.AccountID, start, end)
	if err != nil {
		return nil, err
	}
	return FaxUsageGetResponse{FaxUsage: usage}, nil
}

func (c *Controller) handleFaxUsageSync(ctx context.Context, data []byte) (any, error) {
	var req FaxUsageSyncRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	start, end, err := req.Period()
	if err != nil {
		return nil, err
	}

	records, itemErrs, err := c.Service.SyncFaxUsage(ctx, req.AccountIDs, start, end)
	if err != nil {
		return nil, err
	}
	return FaxUsageSyncResponse{
		FaxUsageRecords: records,
		TotalCount:      len(records),
		Errors:          itemErrs,
	}, nil
}

// Porting handlers

func (c *Controller) handlePortingStatus(ctx context.Context, data []byte) (any, error) {
	var req PortingStatusRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}

	records, itemErrs, err := c.Service.PortingStatus(ctx, req.Numbers())
	if err != nil {
		return nil, err
	}

	if req.Single() {
		if len(records) == 0 {
			if len(itemErrs) > 0 {
				return nil, &errors.UpstreamError{Kind: itemErrs[0].Kind, Message: itemErrs[0].Message}
			}
			return nil, errors.NewUpstream(errors.KindNotFound, "porting record not found")
		}
		return PortingRecordResponse{Porting: &records[0]}, nil
	}
	return PortingStatusResponse{
		PortingRecords: records,
		TotalCount:     len(records),
		Errors:         itemErrs,
	}, nil
}

func (c *Controller) handlePortingUpdate(ctx context.Context, data []byte) (any, error) {
	var req PortingUpdateRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}

	status, err := opentext.ParsePortingStatus(req.Status)
	if err != nil {
		return nil, err
	}
	update := service.PortingUpdate{
		PhoneNumber: req.PhoneNumber,
		Status:      status,
		Notes:       req.Notes,
	}
	if req.CompletionDate != nil && *req.CompletionDate != "" {
		at, err := parseTime("completion_date", *req.CompletionDate)
		if err != nil {
			return nil, err
		}
		update.CompletionDate = &at
	}

	updated, err := c.Service.UpdatePorting(ctx, update)
	if err != nil {
		return nil, err
	}
	return PortingRecordResponse{Porting: updated}, nil
}

// Usage aggregation handler

func (c *Controller) handleUsageAggregate(ctx context.Context, data []byte) (any, error) {
	var req UsageAggregateRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	start, end, err := req.Period()
	if err != nil {
		return nil, err
	}
	usageType, err := opentext.ParseUsageType(req.UsageType)
	if err != nil {
		return nil, err
	}

	aggregation, resolved, itemErrs, err := c.Service.AggregateUsage(ctx, req.AccountIDs, usageType, start, end)
	if err != nil {
		return nil, err
	}
	return UsageAggregateResponse{Aggregation: aggregation, ResolvedCount: resolved, Errors: itemErrs}, nil
}

// Health handler

func (c *Controller) handleHealthCheck(ctx context.Context, _ []byte) (any, error) {
	health := c.Service.Health(ctx)
	metrics.RecordHealthCheck("upstream", health.Healthy(), time.Duration(health.ResponseTimeMS)*time.Millisecond)

	// The probe succeeded but recent upstream calls have been failing.
	if health.Healthy() && health.RateLimit.ConsecutiveFailures > 0 {
		health.Status = "degraded"
	}

	return HealthCheckResponse{
		Health:              health,
		NATSConnected:       c.Conn != nil && c.Conn.IsConnected(),
		ActiveSubscriptions: len(c.subs),
		Service:             "centerfuze-opentext-service",
	}, nil
}

// Helpers

type validator interface {
	Validate() error
}

func decodeRequest(data []byte, req validator) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, req); err != nil {
			return errors.Malformed("invalid JSON in request")
		}
	}
	return req.Validate()
}

func (c *Controller) subject(suffix string) string {
	prefix := c.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + suffix
}

func (c *Controller) queueGroup() string {
	if c.QueueGroup != "" {
		return c.QueueGroup
	}
	return DefaultQueueGroup
}

func (c *Controller) logInfo(msg string, fields ...zap.Field) {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info(msg, fields...)
	}
}

func (c *Controller) logError(msg string, fields ...zap.Field) {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Error(msg, fields...)
	}
}

// errorMessage prefers the upstream message over the full error chain.
func errorMessage(err error) string {
	var upstream *errors.UpstreamError
	if errors.AsUpstream(err, &upstream) && upstream.Message != "" {
		return upstream.Message
	}
	return err.Error()
}
