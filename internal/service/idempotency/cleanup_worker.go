package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultSweepBatch    = 500
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_idempotency_sweep_runs_total",
		Help: "Idempotency key sweeps grouped by result",
	}, []string{"result"})
	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_idempotency_sweep_deleted_total",
		Help: "Expired idempotency keys removed by the sweeper",
	})
	sweepLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_idempotency_sweep_last_deleted",
		Help: "Keys removed during the most recent sweep",
	})
)

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize ограничивает число ключей, удаляемых за один запрос к хранилищу.
func WithBatchSize(batch int) CleanupOption {
	return func(w *CleanupWorker) {
		if batch > 0 {
			w.batch = batch
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// CleanupWorker удаляет idempotency-ключи, у которых истёк TTL.
type CleanupWorker struct {
	repo     domain.IdempotencyRepository
	logger   *log.Entry
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:     repo,
		logger:   log.WithField("component", "idempotency-sweeper"),
		interval: defaultSweepInterval,
		batch:    defaultSweepBatch,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run выполняет проход сразу и затем по таймеру, пока ctx не отменён.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency sweeper disabled: no repository")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case err != nil:
		sweepRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency sweep failed")
		return
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	sweepLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
}

// DeleteExpired удаляет ключи с TTL не позже before, пока очередная порция не окажется неполной.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := w.repo.DeleteExpired(ctx, before, w.batch)
		if err != nil {
			return total, err
		}
		total += n
		sweepDeletedTotal.Add(float64(n))

		if n < w.batch {
			return total, nil
		}
	}
}
