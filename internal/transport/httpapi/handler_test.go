package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/query"
	"github.com/vladislavdragonenkov/storefront-oms/internal/storage/memory"
)

var fixedNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type apiFixture struct {
	handler http.Handler
	gateway *payment.MockGateway
	idem    domain.IdempotencyRepository
}

func newAPI(t *testing.T) apiFixture {
	t.Helper()

	m := metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry())
	repo := memory.NewOrderRepository()
	gateway := payment.NewMockGateway()
	svc := orders.NewService(repo,
		orders.WithTimeline(memory.NewTimelineRepository()),
		orders.WithPaymentGateway(gateway),
		orders.WithMetrics(m),
		orders.WithClock(func() time.Time { return fixedNow }),
	)
	facade, err := query.NewFacade(repo, 16, m)
	require.NoError(t, err)

	idem := memory.NewIdempotencyRepository()
	h := NewHandler(svc, facade, Options{
		Idempotency: idem,
		Metrics:     m,
		Now:         func() time.Time { return fixedNow },
	})
	return apiFixture{handler: h.Routes(), gateway: gateway, idem: idem}
}

func (f apiFixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const widgetBody = `{
	"customer": {"name": "John Smith", "email": "john@example.com"},
	"items": [{"name": "Widget", "quantity": 2, "unitPrice": 50}],
	"shippingAddress": {"line1": "1 Main St", "city": "Springfield", "country": "US"}
}`

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) orderResponse {
	t.Helper()
	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestCreateAndGetOrder(t *testing.T) {
	api := newAPI(t)

	rec := api.do(t, http.MethodPost, "/orders", widgetBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "/orders/ORD-000001", rec.Header().Get("Location"))

	created := decodeOrder(t, rec)
	require.Equal(t, "ORD-000001", created.ID)
	require.Equal(t, "100.00", created.Total)
	require.Equal(t, "pending", created.Status)
	require.Equal(t, "unpaid", created.PaymentStatus)
	require.Equal(t, "unfulfilled", created.FulfillmentStatus)
	require.Equal(t, "Springfield", created.ShippingAddress.City)
	require.Empty(t, created.Refunds)

	rec = api.do(t, http.MethodGet, "/orders/ORD-000001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, created.ID, decodeOrder(t, rec).ID)

	rec = api.do(t, http.MethodGet, "/orders/ORD-404", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeError(t, rec).Code)
}

func TestCreateOrder_Errors(t *testing.T) {
	api := newAPI(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "malformed json", body: `{"customer":`, status: http.StatusBadRequest, code: "malformed_request"},
		{name: "unknown field", body: `{"total": 5}`, status: http.StatusBadRequest, code: "malformed_request"},
		{
			name:   "no items",
			body:   `{"customer":{"name":"A","email":"a@example.com"},"items":[]}`,
			status: http.StatusUnprocessableEntity,
			code:   "validation_error",
		},
		{
			name:   "negative price",
			body:   `{"customer":{"name":"A","email":"a@example.com"},"items":[{"name":"X","quantity":1,"unitPrice":"-1"}]}`,
			status: http.StatusUnprocessableEntity,
			code:   "validation_error",
		},
		{
			name:   "sub-cent price",
			body:   `{"customer":{"name":"A","email":"a@example.com"},"items":[{"name":"X","quantity":3,"unitPrice":"0.333"}]}`,
			status: http.StatusUnprocessableEntity,
			code:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/orders", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			require.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestUpdateStatusAndFulfillment(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)

	rec := api.do(t, http.MethodPatch, "/orders/ORD-000001/status", `{"status":"processing"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "processing", decodeOrder(t, rec).Status)

	rec = api.do(t, http.MethodPatch, "/orders/ORD-000001/status", `{"status":"pending"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "invalid_transition", decodeError(t, rec).Code)

	rec = api.do(t, http.MethodPatch, "/orders/ORD-000001/status", `{"status":"lost"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "status", decodeError(t, rec).Field)

	rec = api.do(t, http.MethodPatch, "/orders/ORD-000001/fulfillment", `{"trackingNumber":""}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(t, http.MethodPatch, "/orders/ORD-000001/fulfillment", `{"trackingNumber":"1Z999"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	fulfilled := decodeOrder(t, rec)
	require.Equal(t, "fulfilled", fulfilled.FulfillmentStatus)
	require.Equal(t, "1Z999", fulfilled.TrackingNumber)

	rec = api.do(t, http.MethodGet, "/orders/ORD-000001/timeline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []timelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 3)
	require.Equal(t, domain.TimelineOrderFulfilled, events[2].Type)
}

func TestRefunds(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)

	rec := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", `{"amount":"60","reason":"damaged"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "idempotency_key_required", decodeError(t, rec).Code)

	rec = api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", `{"amount":"60","reason":"damaged"}`, HeaderIdempotencyKey, "r-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "partially_refunded", decodeOrder(t, rec).PaymentStatus)

	rec = api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", `{"amount":"40.004"}`, HeaderIdempotencyKey, "r-sub-cent")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "amount", decodeError(t, rec).Field)

	rec = api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", `{"amount":40}`, HeaderIdempotencyKey, "r-2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "refunded", decodeOrder(t, rec).PaymentStatus)

	rec = api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", `{"amount":1}`, HeaderIdempotencyKey, "r-3")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "amount", decodeError(t, rec).Field)

	require.Len(t, api.gateway.Refunds(), 2)
}

func TestRefund_IdempotentReplay(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)

	body := `{"amount":"25.50","reason":"late"}`
	first := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", body, HeaderIdempotencyKey, "dup")
	require.Equal(t, http.StatusOK, first.Code)

	second := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", body, HeaderIdempotencyKey, "dup")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	rec := api.do(t, http.MethodGet, "/orders/ORD-000001", "")
	order := decodeOrder(t, rec)
	require.Len(t, order.Refunds, 1, "replayed request must not refund twice")
	require.Equal(t, "25.50", order.RefundedAmount)

	conflict := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", `{"amount":"1"}`, HeaderIdempotencyKey, "dup")
	require.Equal(t, http.StatusConflict, conflict.Code)
	require.Equal(t, "idempotency_conflict", decodeError(t, conflict).Code)
}

func TestRefund_FailedResponseIsReplayed(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)

	body := `{"amount":"500"}`
	first := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", body, HeaderIdempotencyKey, "too-much")
	require.Equal(t, http.StatusUnprocessableEntity, first.Code)

	second := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", body, HeaderIdempotencyKey, "too-much")
	require.Equal(t, http.StatusUnprocessableEntity, second.Code)
	require.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))

	record, err := api.idem.Get(context.Background(), "too-much")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, record.Status)
}

func TestRefund_ProcessingKeyConflicts(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)

	body := `{"amount":"5"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ORD-000001/refunds", strings.NewReader(body))
	record, err := domain.NewIdempotencyRecord("busy", requestHash(req, []byte(body)), fixedNow, time.Hour)
	require.NoError(t, err)
	_, err = api.idem.Reserve(context.Background(), record)
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", body, HeaderIdempotencyKey, "busy")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "idempotency_conflict", decodeError(t, rec).Code)
	require.Empty(t, api.gateway.Refunds())
}

func TestIdempotency_PanicSettlesKey(t *testing.T) {
	idem := memory.NewIdempotencyRepository()
	h := NewHandler(nil, nil, Options{Idempotency: idem, Now: func() time.Time { return fixedNow }})

	calls := 0
	boom := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls++
		panic("payment provider returned nil order")
	})
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.With(h.idempotent(true)).Post("/refunds", boom.ServeHTTP)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/refunds", strings.NewReader(`{"amount":"5"}`))
		req.Header.Set(HeaderIdempotencyKey, "panicked")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusInternalServerError, first.Code)

	record, err := idem.Get(context.Background(), "panicked")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, record.Status)
	require.Equal(t, http.StatusInternalServerError, record.Response.Status)

	retry := send()
	require.Equal(t, http.StatusInternalServerError, retry.Code, "retry must not be stuck on a processing key")
	require.Equal(t, "true", retry.Header().Get(HeaderIdempotentReplay))
	require.Equal(t, "internal_error", decodeError(t, retry).Code)
	require.Equal(t, 1, calls)
}

func TestRefund_GatewayDeclined(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)
	api.gateway.RefundErr = domain.ErrPaymentDeclined

	rec := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", `{"amount":"5"}`, HeaderIdempotencyKey, "k")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestCapturePayment(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)

	rec := api.do(t, http.MethodPost, "/orders/ORD-000001/payment", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeOrder(t, rec)
	require.Equal(t, "paid", paid.PaymentStatus)
	require.NotNil(t, paid.PaidAt)

	rec = api.do(t, http.MethodPost, "/orders/ORD-000001/payment", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestListOrders_Filters(t *testing.T) {
	api := newAPI(t)
	for i := range 3 {
		body := fmt.Sprintf(`{"customer":{"name":"Buyer %d","email":"b%d@example.com"},"items":[{"name":"X","quantity":1,"unitPrice":%d}]}`, i, i, (i+1)*10)
		require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", body).Code)
	}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPatch, "/orders/ORD-000002/status", `{"status":"cancelled"}`).Code)

	list := func(query string) []string {
		rec := api.do(t, http.MethodGet, "/orders"+query, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp []orderResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		ids := make([]string, 0, len(resp))
		for _, o := range resp {
			ids = append(ids, o.ID)
		}
		return ids
	}

	require.Equal(t, []string{"ORD-000001", "ORD-000002", "ORD-000003"}, list(""))
	require.Equal(t, []string{"ORD-000001", "ORD-000003"}, list("?status=pending"))
	require.Equal(t, []string{"ORD-000003", "ORD-000002", "ORD-000001"}, list("?sort=-total"))
	require.Equal(t, []string{"ORD-000003"}, list("?customer=B2%40EXAMPLE"))
	require.Equal(t, []string{"ORD-000001", "ORD-000002", "ORD-000003"}, list("?from=2024-01-15&to=2024-01-15"))
	require.Empty(t, list("?from=2024-01-16"))

	rec := api.do(t, http.MethodGet, "/orders?from=yesterday", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "from", decodeError(t, rec).Field)

	rec = api.do(t, http.MethodGet, "/orders?from=2024-02-01&to=2024-01-01", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStats(t *testing.T) {
	api := newAPI(t)
	for range 5 {
		require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)
	}
	for i := 1; i <= 3; i++ {
		path := fmt.Sprintf("/orders/ORD-%06d/fulfillment", i)
		require.Equal(t, http.StatusOK, api.do(t, http.MethodPatch, path, `{"trackingNumber":"T"}`).Code)
	}

	rec := api.do(t, http.MethodGet, "/orders/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"totalOrders": 5,
		"totalRevenue": "500.00",
		"averageOrderValue": "100.00",
		"fulfillmentRate": 60,
		"statusBreakdown": {"pending": 5, "processing": 0, "shipped": 0, "completed": 0, "cancelled": 0}
	}`, rec.Body.String())
}

func TestExport(t *testing.T) {
	api := newAPI(t)
	body := `{"id":"#ORD-001","customer":{"name":"John Smith","email":"john@example.com"},"items":[{"name":"Widget","quantity":2,"unitPrice":"99.50"}]}`
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", body).Code)
	for _, status := range []string{"processing", "shipped", "completed"} {
		rec := api.do(t, http.MethodPatch, "/orders/%23ORD-001/status", `{"status":"`+status+`"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := api.do(t, http.MethodGet, "/orders/export?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="orders-2024-01-15.csv"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "Order ID,Customer,Total,Status,Date\n#ORD-001,John Smith,199.00,completed,2024-01-15\n", rec.Body.String())

	rec = api.do(t, http.MethodGet, "/orders/export?format=json&status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), `"id":"#ORD-001"`)

	rec = api.do(t, http.MethodGet, "/orders/export?format=xml", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "unsupported_format", decodeError(t, rec).Code)
	require.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestExport_StreamErrorBeforeFirstByte(t *testing.T) {
	h := NewHandler(nil, failingExporter{}, Options{})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/export", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal server error", decodeError(t, rec).Message)
	require.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestUnknownRoute(t *testing.T) {
	rec := newAPI(t).do(t, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConcurrentRefundsThroughAPI(t *testing.T) {
	api := newAPI(t)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/orders", widgetBody).Code)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := api.do(t, http.MethodPost, "/orders/ORD-000001/refunds", `{"amount":"30"}`, HeaderIdempotencyKey, fmt.Sprintf("k-%d", i))
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 3, codes[http.StatusOK])
	require.Equal(t, 17, codes[http.StatusUnprocessableEntity])
}

type failingExporter struct{}

func (failingExporter) Stats(context.Context, domain.ListFilter) (query.Stats, error) {
	return query.Stats{}, errors.New("unused")
}

func (failingExporter) Export(context.Context, domain.ListFilter, query.Format, io.Writer) error {
	return errors.New("database unavailable")
}
