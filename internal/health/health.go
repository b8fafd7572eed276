// Package health отдаёт liveness, readiness и подробный отчёт о компонентах сервиса.
package health

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status — состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

const defaultCheckTimeout = 2 * time.Second

// Check — результат проверки компонента. Name и DurationMs заполняет Handler.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// CheckFunc превращает функцию в Checker: ошибка означает unhealthy.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) Check {
	if err := f(ctx); err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}
	return Check{Status: StatusHealthy}
}

type namedChecker struct {
	name    string
	checker Checker
}

// Handler агрегирует проверки компонентов.
type Handler struct {
	mu       sync.RWMutex
	checkers []namedChecker
	version  string
	started  time.Time
	timeout  time.Duration
}

// NewHandler создаёт health handler; version попадает в отчёт /healthz.
func NewHandler(version string) *Handler {
	return &Handler{version: version, started: time.Now(), timeout: defaultCheckTimeout}
}

// RegisterChecker добавляет проверку; повторное имя заменяет прежнюю.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := namedChecker{name: name, checker: checker}
	idx, found := slices.BinarySearchFunc(h.checkers, name, func(c namedChecker, target string) int {
		return cmp.Compare(c.name, target)
	})
	if found {
		h.checkers[idx] = entry
		return
	}
	h.checkers = slices.Insert(h.checkers, idx, entry)
}

// run выполняет проверки параллельно под общим таймаутом и сводит худший статус.
func (h *Handler) run(ctx context.Context) (Status, map[string]Check) {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			start := time.Now()
			check := c.checker.Check(ctx)
			check.Name = c.name
			check.DurationMs = time.Since(start).Milliseconds()
			results[i] = check
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	checks := make(map[string]Check, len(results))
	for _, check := range results {
		checks[check.Name] = check
		if check.Status.worse(overall) {
			overall = check.Status
		}
	}
	return overall, checks
}

// ServeHTTP отдаёт подробный отчёт; 503, если хотя бы один компонент unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	overall, checks := h.run(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(overall))
	_ = json.NewEncoder(w).Encode(Response{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// ReadinessHandler отвечает 503, пока какой-либо компонент unhealthy. Degraded не снимает готовность.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	overall, _ := h.run(r.Context())
	body := "ready"
	if overall == StatusUnhealthy {
		body = "not ready"
	}
	writeText(w, statusCode(overall), body)
}

// LivenessHandler всегда отвечает 200.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
