package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/centerfuze/opentext-service/internal/core/cache"
	"github.com/centerfuze/opentext-service/internal/core/engine"
	"github.com/centerfuze/opentext-service/internal/core/ratelimit"
	"github.com/centerfuze/opentext-service/internal/errors"
	"github.com/centerfuze/opentext-service/internal/opentext"
	"github.com/centerfuze/opentext-service/internal/service"
)

func newInboundMsg(data string) *nats.Msg {
	return &nats.Msg{Subject: "opentext.test", Data: []byte(data)}
}

func newTestController(t *testing.T, mux *http.ServeMux) *Controller {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := &opentext.Client{BaseURL: srv.URL, APIKey: "k", HTTPClient: srv.Client()}
	limiter := ratelimit.New(ratelimit.Config{InitialRate: 1000, MinRate: 1, MaxRate: 1000, Burst: 100})
	retry := engine.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
	svc := service.New(client, cache.New(64), limiter, retry, 4)

	return &Controller{Service: svc}
}

func TestHandleAccountGet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/acct-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opentext.Account{AccountID: "acct-1", AccountName: "Acme"})
	})
	c := newTestController(t, mux)

	data, err := c.handleAccountGet(context.Background(), []byte(`{"account_id":"acct-1"}`))
	require.NoError(t, err)

	resp := data.(AccountGetResponse)
	require.Equal(t, "Acme", resp.Account.AccountName)
}

func TestHandleAccountGetRejectsMissingID(t *testing.T) {
	c := newTestController(t, http.NewServeMux())

	_, err := c.handleAccountGet(context.Background(), []byte(`{}`))
	require.Error(t, err)
	require.Equal(t, errors.KindMalformedRequest, errors.KindOf(err))
}

func TestHandleAccountGetRejectsInvalidJSON(t *testing.T) {
	c := newTestController(t, http.NewServeMux())

	_, err := c.handleAccountGet(context.Background(), []byte(`{not json`))
	require.Error(t, err)
	require.Equal(t, errors.KindMalformedRequest, errors.KindOf(err))
}

func TestHandleAccountSyncWithChildren(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/parent", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opentext.Account{AccountID: "parent", ChildAccounts: []string{"child"}})
	})
	mux.HandleFunc("/accounts/child", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opentext.Account{AccountID: "child"})
	})
	c := newTestController(t, mux)

	data, err := c.handleAccountSync(context.Background(), []byte(`{"account_ids":["parent"]}`))
	require.NoError(t, err)

	resp := data.(AccountSyncResponse)
	require.Equal(t, 2, resp.TotalCount)
	require.True(t, resp.IncludeChildren)
	require.Empty(t, resp.Errors)
}

func TestHandleFaxUsageSyncReportsItemErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/good/fax/usage", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opentext.FaxUsage{AccountID: "good", PagesSent: 4})
	})
	c := newTestController(t, mux)

	payload := `{"account_ids":["good","ghost"],"start_date":"2024-06-01T00:00:00Z","end_date":"2024-06-30T00:00:00Z"}`
	data, err := c.handleFaxUsageSync(context.Background(), []byte(payload))
	require.NoError(t, err)

	resp := data.(FaxUsageSyncResponse)
	require.Equal(t, 1, resp.TotalCount)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, "ghost", resp.Errors[0].ID)
	require.Equal(t, errors.KindNotFound, resp.Errors[0].Kind)
}

func TestHandlePortingStatusSingleShorthand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/porting/+15550001111", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opentext.NumberPorting{
			PhoneNumber: "+15550001111",
			Status:      opentext.PortingInProgress,
			Carrier:     "OldCarrier",
			AccountID:   "acct-1",
		})
	})
	c := newTestController(t, mux)

	data, err := c.handlePortingStatus(context.Background(), []byte(`{"phone_number":"+15550001111"}`))
	require.NoError(t, err)

	resp := data.(PortingRecordResponse)
	require.Equal(t, opentext.PortingInProgress, resp.Porting.Status)
}

func TestHandlePortingStatusSingleNotFound(t *testing.T) {
	c := newTestController(t, http.NewServeMux())

	_, err := c.handlePortingStatus(context.Background(), []byte(`{"phone_number":"+15550009999"}`))
	require.Error(t, err)
	require.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestHandlePortingUpdate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/porting/+15550001111", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var porting opentext.NumberPorting
			_ = json.NewDecoder(r.Body).Decode(&porting)
			_ = json.NewEncoder(w).Encode(porting)
			return
		}
		_ = json.NewEncoder(w).Encode(opentext.NumberPorting{
			PhoneNumber: "+15550001111",
			Status:      opentext.PortingInProgress,
			Carrier:     "OldCarrier",
			AccountID:   "acct-1",
		})
	})
	c := newTestController(t, mux)

	payload := `{"phone_number":"+15550001111","status":"completed","completion_date":"2024-06-15T10:00:00Z"}`
	data, err := c.handlePortingUpdate(context.Background(), []byte(payload))
	require.NoError(t, err)

	resp := data.(PortingRecordResponse)
	require.Equal(t, opentext.PortingCompleted, resp.Porting.Status)
	require.NotNil(t, resp.Porting.CompletionDate)
}

func TestHandlePortingUpdateRejectsUnknownStatus(t *testing.T) {
	c := newTestController(t, http.NewServeMux())

	_, err := c.handlePortingUpdate(context.Background(), []byte(`{"phone_number":"+15550001111","status":"teleported"}`))
	require.Error(t, err)
	require.Equal(t, errors.KindMalformedRequest, errors.KindOf(err))
}

func TestHandleUsageAggregate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/a1/usage", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"usage": []opentext.UsageData{{
			AccountID: "a1",
			UsageType: opentext.UsageFaxPagesSent,
			Quantity:  30,
			Cost:      3,
		}}})
	})
	c := newTestController(t, mux)

	payload := `{"account_ids":["a1"],"usage_type":"fax_pages_sent","start_date":"2024-06-01T00:00:00Z","end_date":"2024-06-30T00:00:00Z"}`
	data, err := c.handleUsageAggregate(context.Background(), []byte(payload))
	require.NoError(t, err)

	resp := data.(UsageAggregateResponse)
	require.Equal(t, 30.0, resp.Aggregation.TotalQuantity)
	require.Equal(t, 3.0, resp.Aggregation.TotalCost)
	require.Equal(t, 1, resp.ResolvedCount)
	require.Empty(t, resp.Errors)
}

func TestHandleUsageAggregateReportsResolvedCountOnPartialFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/a1/usage", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"usage": []opentext.UsageData{{
			AccountID: "a1",
			UsageType: opentext.UsageFaxPagesSent,
			Quantity:  30,
			Cost:      3,
		}}})
	})
	c := newTestController(t, mux)

	payload := `{"account_ids":["a1","missing"],"usage_type":"fax_pages_sent","start_date":"2024-06-01T00:00:00Z","end_date":"2024-06-30T00:00:00Z"}`
	data, err := c.handleUsageAggregate(context.Background(), []byte(payload))
	require.NoError(t, err)

	resp := data.(UsageAggregateResponse)
	require.Equal(t, 1, resp.ResolvedCount)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, "missing", resp.Errors[0].ID)
	require.Equal(t, errors.KindNotFound, resp.Errors[0].Kind)
	require.Equal(t, 30.0, resp.Aggregation.TotalQuantity)
}

func TestHandleHealthCheck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	c := newTestController(t, mux)

	data, err := c.handleHealthCheck(context.Background(), nil)
	require.NoError(t, err)

	resp := data.(HealthCheckResponse)
	require.True(t, resp.Healthy())
	require.False(t, resp.NATSConnected) // no connection in this test
	require.Equal(t, "centerfuze-opentext-service", resp.Service)
}

func TestProcessBuildsReplyEnvelope(t *testing.T) {
	c := newTestController(t, http.NewServeMux())

	// Exercise the framing path directly; with no reply subject the
	// handler result is only logged and counted.
	handled := make(chan struct{})
	handler := func(ctx context.Context, data []byte) (any, error) {
		defer close(handled)
		return map[string]string{"ok": "yes"}, nil
	}
	c.process("opentext.test", handler, newInboundMsg(`{}`))

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestResponseEnvelopeShape(t *testing.T) {
	resp := Response{Success: false, Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), RequestID: "req-1"}
	resp.Data = ErrorBody{Error: "account acct-1 not found", Kind: errors.KindNotFound}

	encoded, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, false, decoded["success"])
	require.Equal(t, "req-1", decoded["request_id"])

	data := decoded["data"].(map[string]any)
	require.Equal(t, "account acct-1 not found", data["error"])
	require.Equal(t, "not_found", data["kind"])
}
