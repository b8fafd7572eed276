package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	scenarioName         = "scenario"
	defaultQuantity      = int32(1)
)

// Имена эндпоинтов в отчёте.
const (
	endpointCreate  = "POST /orders"
	endpointCapture = "POST /orders/{id}/payment"
	endpointRefund  = "POST /orders/{id}/refunds"
)

type loadMode string

const (
	modeCreate          loadMode = "create"
	modeCreatePay       loadMode = "create-pay"
	modeCreatePayRefund loadMode = "create-pay-refund"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	refundRate  int
	item        string
	unitPrice   decimal.Decimal
	customerTag string
	outputPath  string
	metricsAddr string
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue, priceValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "base URL of the order API")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; with -duration acts as a cap when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-pay | create-pay-refund")
	fs.IntVar(&cfg.refundRate, "refund-rate", 0, "refund probability in percent for create-pay mode (0..100)")
	fs.StringVar(&cfg.item, "item", "Load Widget", "order item name")
	fs.StringVar(&priceValue, "unit-price", "10.00", "order item unit price")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "customer name prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "optional address to expose live load test metrics, e.g. :9102")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	price, err := decimal.NewFromString(strings.TrimSpace(priceValue))
	if err != nil {
		return cfg, fmt.Errorf("parse unit-price: %w", err)
	}
	cfg.unitPrice = price

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if u, err := url.Parse(cfg.baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return cfg, fmt.Errorf("invalid url: %q", cfg.baseURL)
	}

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case !cfg.unitPrice.IsPositive():
		return cfg, errors.New("unit-price must be > 0")
	case !cfg.unitPrice.Equal(cfg.unitPrice.Truncate(2)):
		return cfg, errors.New("unit-price must have at most 2 decimal places")
	case cfg.refundRate < 0 || cfg.refundRate > 100:
		return cfg, errors.New("refund-rate must be between 0 and 100")
	case strings.TrimSpace(cfg.item) == "":
		return cfg, errors.New("item is required")
	case strings.TrimSpace(cfg.customerTag) == "":
		return cfg, errors.New("customer-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCreate, modeCreatePay, modeCreatePayRefund:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run возвращает код выхода: 0 если все сценарии прошли.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := parseConfig(args)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}

	client := &apiClient{
		baseURL: cfg.baseURL,
		http: &http.Client{
			Timeout: cfg.timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.concurrency,
				MaxIdleConnsPerHost: cfg.concurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	defer client.http.CloseIdleConnections()

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	if cfg.metricsAddr != "" {
		stopMetrics := serveMetrics(cfg.metricsAddr, col, stderr)
		defer stopMetrics()
	}

	execute(ctx, client, cfg, runID, col)

	result, err := col.buildReport(startedAt, time.Since(startedAt))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "build report: %v\n", err)
		return 1
	}
	printReport(stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(stderr, "failed to write report: %v\n", err)
			return 1
		}
	}
	if result.FailedScenarios > 0 {
		return 1
	}
	return 0
}

// serveMetrics отдаёт реестр collector по /metrics, пока идёт прогон.
func serveMetrics(addr string, col *collector, stderr io.Writer) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(col.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "metrics server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// execute прогоняет сценарии пулом из cfg.concurrency воркеров.
// Ошибки сценариев попадают в collector и не останавливают прогон.
func execute(ctx context.Context, client *apiClient, cfg config, runID string, col *collector) {
	jobs := make(chan int, cfg.concurrency*2)

	g, gctx := errgroup.WithContext(ctx)
	for range cfg.concurrency {
		g.Go(func() error {
			for id := range jobs {
				_ = runScenario(gctx, client, cfg, id, runID, col)
			}
			return nil
		})
	}

	dispatchJobs(gctx, jobs, cfg)
	_ = g.Wait()
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for i := 0; ; i++ {
		if (cfg.duration <= 0 || cfg.totalSet) && i >= cfg.total {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

func runScenario(ctx context.Context, client *apiClient, cfg config, index int, runID string, col *collector) error {
	started := time.Now()
	status := http.StatusOK
	defer func() {
		col.record(scenarioName, time.Since(started), status)
	}()

	fail := func(code int, err error) error {
		status = code
		return err
	}

	orderID, code, err := client.createOrder(ctx, createOrderBody(cfg, runID, index), col)
	if err != nil {
		return fail(code, err)
	}
	if cfg.mode == modeCreate {
		return nil
	}

	if code, err := client.capturePayment(ctx, orderID, col); err != nil {
		return fail(code, err)
	}

	if cfg.mode == modeCreatePayRefund || (cfg.mode == modeCreatePay && shouldRefund(index, cfg.refundRate)) {
		key := fmt.Sprintf("lt-refund-%s-%d", runID, index)
		amount := cfg.unitPrice.Div(decimal.NewFromInt(2)).Round(2)
		if code, err := client.refund(ctx, orderID, key, amount, col); err != nil {
			return fail(code, err)
		}
	}
	return nil
}

func shouldRefund(index, rate int) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 100 {
		return true
	}
	return index%100 < rate
}

type customerBody struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type itemBody struct {
	Name      string          `json:"name"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type orderBody struct {
	Customer customerBody `json:"customer"`
	Items    []itemBody   `json:"items"`
}

type refundBody struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func createOrderBody(cfg config, runID string, index int) orderBody {
	return orderBody{
		Customer: customerBody{
			Name:  fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index),
			Email: fmt.Sprintf("%s-%d@loadtest.example.com", cfg.customerTag, index),
		},
		Items: []itemBody{{Name: cfg.item, Quantity: defaultQuantity, UnitPrice: cfg.unitPrice}},
	}
}

// apiClient — тонкий клиент HTTP API заказов.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) createOrder(ctx context.Context, body orderBody, col *collector) (string, int, error) {
	var created struct {
		ID string `json:"id"`
	}
	code, err := c.call(ctx, endpointCreate, "/orders", nil, body, &created, col)
	if err != nil {
		return "", code, err
	}
	if created.ID == "" {
		return "", http.StatusInternalServerError, errors.New("create response returned empty order id")
	}
	return created.ID, code, nil
}

func (c *apiClient) capturePayment(ctx context.Context, orderID string, col *collector) (int, error) {
	return c.call(ctx, endpointCapture, "/orders/"+url.PathEscape(orderID)+"/payment", nil, nil, nil, col)
}

func (c *apiClient) refund(ctx context.Context, orderID, key string, amount decimal.Decimal, col *collector) (int, error) {
	headers := map[string]string{headerIdempotencyKey: key}
	body := refundBody{Amount: amount, Reason: "load-refund"}
	return c.call(ctx, endpointRefund, "/orders/"+url.PathEscape(orderID)+"/refunds", headers, body, nil, col)
}

// call отправляет POST и учитывает вызов в collector под именем endpoint.
func (c *apiClient) call(ctx context.Context, endpoint, path string, headers map[string]string, in, out any, col *collector) (int, error) {
	var payload io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", endpoint, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		col.record(endpoint, time.Since(started), 0)
		return 0, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, resp.Body)
		col.record(endpoint, time.Since(started), resp.StatusCode)
		return resp.StatusCode, fmt.Errorf("%s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			col.record(endpoint, time.Since(started), 0)
			return 0, fmt.Errorf("decode %s: %w", endpoint, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	col.record(endpoint, time.Since(started), resp.StatusCode)
	return resp.StatusCode, nil
}
