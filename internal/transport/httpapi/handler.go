package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/metrics"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront-oms/internal/service/query"
)

// OrderCommands — команды и чтения заказов, которые нужны API.
type OrderCommands interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListOrders(ctx context.Context, filter domain.ListFilter) iter.Seq2[domain.Order, error]
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (domain.Order, error)
	Fulfill(ctx context.Context, id, trackingNumber string) (domain.Order, error)
	Refund(ctx context.Context, id string, in orders.RefundInput) (domain.Order, error)
	CapturePayment(ctx context.Context, id string) (domain.Order, error)
	Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error)
}

// OrderQueries — агрегаты и выгрузка.
type OrderQueries interface {
	Stats(ctx context.Context, filter domain.ListFilter) (query.Stats, error)
	Export(ctx context.Context, filter domain.ListFilter, format query.Format, w io.Writer) error
}

// Options — необязательные зависимости API.
type Options struct {
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	Metrics        *metrics.OrderMetrics
	Logger         *log.Entry
	Now            func() time.Time
}

// Handler обслуживает HTTP/JSON API заказов.
type Handler struct {
	commands       OrderCommands
	queries        OrderQueries
	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
	metrics        *metrics.OrderMetrics
	logger         *log.Entry
	now            func() time.Time
}

// NewHandler создаёт обработчик API.
func NewHandler(commands OrderCommands, queries OrderQueries, opts Options) *Handler {
	h := &Handler{
		commands:       commands,
		queries:        queries,
		idempotency:    opts.Idempotency,
		idempotencyTTL: opts.IdempotencyTTL,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		now:            opts.Now,
	}
	if h.idempotencyTTL <= 0 {
		h.idempotencyTTL = domain.DefaultIdempotencyTTL
	}
	if h.logger == nil {
		h.logger = log.WithField("component", "http-api")
	}
	if h.now == nil {
		h.now = nowUTC
	}
	return h
}

// Routes возвращает роутер API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.observe)
	r.Use(middleware.Recoverer)

	r.Route("/orders", func(r chi.Router) {
		r.With(h.idempotent(false)).Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/export", h.exportOrders)
		r.Get("/stats", h.stats)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getOrder)
			r.Get("/timeline", h.timeline)
			r.With(h.idempotent(false)).Patch("/status", h.updateStatus)
			r.With(h.idempotent(false)).Patch("/fulfillment", h.fulfill)
			r.With(h.idempotent(false)).Post("/payment", h.capturePayment)
			r.With(h.idempotent(true)).Post("/refunds", h.refund)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "route_not_found", Message: "route not found"}})
	})
	return r
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.commands.CreateOrder(r.Context(), req.toInput())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/orders/"+order.ID)
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result := make([]orderResponse, 0)
	for order, err := range h.commands.ListOrders(r.Context(), filter) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		result = append(result, toOrderResponse(order))
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.commands.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondOrder(w, r)(h.commands.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status))
}

func (h *Handler) fulfill(w http.ResponseWriter, r *http.Request) {
	var req fulfillmentRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondOrder(w, r)(h.commands.Fulfill(r.Context(), chi.URLParam(r, "id"), req.TrackingNumber))
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	in := orders.RefundInput{Amount: req.Amount, Reason: req.Reason}
	h.respondOrder(w, r)(h.commands.Refund(r.Context(), chi.URLParam(r, "id"), in))
}

func (h *Handler) capturePayment(w http.ResponseWriter, r *http.Request) {
	h.respondOrder(w, r)(h.commands.CapturePayment(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.commands.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimelineResponse(events))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.queries.Stats(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(stats))
}

// exportOrders отдаёт выгрузку вложением. Без format выгружается CSV.
func (h *Handler) exportOrders(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("format")
	if raw == "" {
		raw = string(query.FormatCSV)
	}
	format, err := query.ParseFormat(raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", format.FileName(h.now())))

	cw := &countingWriter{w: w}
	if err := h.queries.Export(r.Context(), filter, format, cw); err != nil {
		if cw.n == 0 {
			w.Header().Del("Content-Disposition")
			h.writeError(w, r, err)
			return
		}
		// Заголовки уже отправлены, клиент получит обрезанный файл.
		h.logger.WithError(err).WithField("written", cw.n).Error("export aborted mid-stream")
	}
}

func (h *Handler) respondOrder(w http.ResponseWriter, r *http.Request) func(domain.Order, error) {
	return func(order domain.Order, err error) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(order))
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
