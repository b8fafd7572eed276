package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	// codeTransportError — запрос не дошёл до сервера или ответ не удалось прочитать.
	codeTransportError = "transport_error"

	metricCalls   = "loadtest_calls_total"
	metricLatency = "loadtest_call_latency_ms"
	labelEndpoint = "endpoint"
	labelStatus   = "status"
)

type latencySummary struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type endpointReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time                 `json:"started_at"`
	DurationSeconds   float64                   `json:"duration_seconds"`
	TotalScenarios    int64                     `json:"total_scenarios"`
	SuccessScenarios  int64                     `json:"success_scenarios"`
	FailedScenarios   int64                     `json:"failed_scenarios"`
	ErrorRate         float64                   `json:"error_rate"`
	RPS               float64                   `json:"rps"`
	ScenarioLatencyMs latencySummary            `json:"scenario_latency_ms"`
	Endpoints         map[string]endpointReport `json:"endpoints"`
}

// collector считает вызовы в собственном prometheus-реестре; отчёт собирается из Gather.
// Тот же реестр можно отдавать через -metrics-addr во время прогона.
type collector struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	latency  *prometheus.SummaryVec
}

func newCollector() *collector {
	c := &collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricCalls,
			Help: "Load test calls grouped by endpoint and response status",
		}, []string{labelEndpoint, labelStatus}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       metricLatency,
			Help:       "Load test call latency in milliseconds",
			Objectives: map[float64]float64{0.5: 0.01, 0.95: 0.005, 0.99: 0.001},
			MaxAge:     24 * time.Hour,
			AgeBuckets: 1,
		}, []string{labelEndpoint}),
	}
	c.registry.MustRegister(c.calls, c.latency)
	return c
}

// record учитывает вызов; status 0 означает транспортную ошибку.
func (c *collector) record(endpoint string, latency time.Duration, status int) {
	c.calls.WithLabelValues(endpoint, statusLabel(status)).Inc()
	c.latency.WithLabelValues(endpoint).Observe(float64(latency.Microseconds()) / 1000)
}

func (c *collector) snapshot(endpoint string) (endpointReport, bool) {
	endpoints, err := c.endpoints()
	if err != nil {
		return endpointReport{}, false
	}
	stats, ok := endpoints[endpoint]
	return stats, ok
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) (report, error) {
	endpoints, err := c.endpoints()
	if err != nil {
		return report{}, err
	}

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Endpoints:       endpoints,
	}
	if scenario, ok := endpoints[scenarioName]; ok {
		delete(endpoints, scenarioName)
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result, nil
}

func (c *collector) endpoints() (map[string]endpointReport, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather load test metrics: %w", err)
	}

	out := make(map[string]endpointReport)
	entry := func(name string) endpointReport {
		if r, ok := out[name]; ok {
			return r
		}
		return endpointReport{Statuses: make(map[string]int64)}
	}

	for _, family := range families {
		for _, m := range family.GetMetric() {
			name := labelValue(m, labelEndpoint)
			r := entry(name)
			switch family.GetName() {
			case metricCalls:
				status := labelValue(m, labelStatus)
				n := int64(m.GetCounter().GetValue())
				r.Calls += n
				r.Statuses[status] += n
				if code, err := strconv.Atoi(status); err == nil && isSuccess(code) {
					r.Success += n
				} else {
					r.Failed += n
				}
			case metricLatency:
				r.LatencyMs = summarize(m.GetSummary())
			}
			out[name] = r
		}
	}

	for name, r := range out {
		r.ErrorRate = ratio(r.Failed, r.Calls)
		out[name] = r
	}
	return out, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, pair := range m.GetLabel() {
		if pair.GetName() == name {
			return pair.GetValue()
		}
	}
	return ""
}

func summarize(s *dto.Summary) latencySummary {
	if s.GetSampleCount() == 0 {
		return latencySummary{}
	}

	out := latencySummary{Avg: s.GetSampleSum() / float64(s.GetSampleCount())}
	for _, q := range s.GetQuantile() {
		value := q.GetValue()
		if math.IsNaN(value) {
			continue
		}
		switch q.GetQuantile() {
		case 0.5:
			out.P50 = value
		case 0.95:
			out.P95 = value
		case 0.99:
			out.P99 = value
		}
	}
	return out
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

func statusLabel(status int) string {
	if status == 0 {
		return codeTransportError
	}
	return strconv.Itoa(status)
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// writeJSONReport пишет отчёт только внутрь рабочего каталога.
func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path escapes the working directory: %s", path)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	// #nosec G306 -- отчёт не содержит секретов.
	return os.WriteFile(clean, append(data, '\n'), 0o644)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintf(out, "Load test summary (%s, %s against %s)\n", cfg.mode, runTarget(cfg), cfg.baseURL)
	_, _ = fmt.Fprintf(out, "total=%d success=%d failed=%d error_rate=%.4f duration=%.2fs rps=%.2f\n",
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios,
		result.ErrorRate, result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(out, "scenario latency ms: avg=%.2f p50=%.2f p95=%.2f p99=%.2f\n",
		result.ScenarioLatencyMs.Avg, result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95, result.ScenarioLatencyMs.P99)

	if len(result.Endpoints) == 0 {
		return
	}
	names := make([]string, 0, len(result.Endpoints))
	for name := range result.Endpoints {
		names = append(names, name)
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ENDPOINT\tCALLS\tFAILED\tERROR RATE\tP95 MS")
	for _, name := range names {
		stats := result.Endpoints[name]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\t%.2f\n", name, stats.Calls, stats.Failed, stats.ErrorRate, stats.LatencyMs.P95)
	}
	_ = tw.Flush()
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("%d scenarios", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("%s or %d scenarios", cfg.duration, cfg.total)
	default:
		return cfg.duration.String()
	}
}
