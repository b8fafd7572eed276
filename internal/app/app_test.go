package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
)

func newMemoryServices(t *testing.T) *services {
	t.Helper()

	logger := log.WithField("test", t.Name())
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), logger)
	require.NoError(t, err)

	svc, err := buildServices(DefaultConfig(), deps, nil, metrics.NewOrderMetricsWithRegisterer(prometheus.NewRegistry()), logger)
	require.NoError(t, err)
	return svc
}

func TestBuildServices_WithoutKafka(t *testing.T) {
	svc := newMemoryServices(t)

	require.NotNil(t, svc.orders)
	require.NotNil(t, svc.queries)
	require.NotNil(t, svc.api)
	require.NotNil(t, svc.health)
	require.NotNil(t, svc.cleanup)
	require.Nil(t, svc.relay, "outbox relay needs a kafka producer")
}

func TestBuildServices_APIServesOrdersAndStats(t *testing.T) {
	svc := newMemoryServices(t)
	api := httptest.NewServer(svc.api.Routes())
	defer api.Close()

	body := `{"customer":{"name":"John Smith","email":"john@example.com"},"items":[{"name":"Widget","quantity":2,"unitPrice":"25.00"}]}`
	resp, err := http.Post(api.URL+"/orders", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID    string `json:"id"`
		Total string `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "ORD-000001", created.ID)
	require.Equal(t, "50.00", created.Total)

	statsResp, err := http.Get(api.URL + "/orders/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)

	var stats struct {
		TotalOrders  int    `json:"totalOrders"`
		TotalRevenue string `json:"totalRevenue"`
	}
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	require.Equal(t, 1, stats.TotalOrders)
	require.Equal(t, "50.00", stats.TotalRevenue)

	timeline, err := svc.orders.Timeline(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
}

func TestBuildServices_RefundsRequireIdempotencyKey(t *testing.T) {
	svc := newMemoryServices(t)
	api := httptest.NewServer(svc.api.Routes())
	defer api.Close()

	body := `{"customer":{"name":"A","email":"a@example.com"},"items":[{"name":"X","quantity":1,"unitPrice":"10.00"}]}`
	resp, err := http.Post(api.URL+"/orders", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(api.URL+"/orders/ORD-000001/refunds", "application/json", strings.NewReader(`{"amount":"5.00"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBuildServices_HealthReportsStorage(t *testing.T) {
	svc := newMemoryServices(t)

	rec := httptest.NewRecorder()
	svc.health.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		Status string                     `json:"status"`
		Checks map[string]json.RawMessage `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "healthy", report.Status)
	require.Contains(t, report.Checks, "storage")
	require.NotContains(t, report.Checks, "outbox")
}
