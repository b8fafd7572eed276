package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

const (
	// HeaderIdempotencyKey — ключ идемпотентности запроса.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется на ответах, взятых из кэша ключей.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

// idempotent оборачивает изменяющий обработчик ключом идемпотентности.
// Повтор с тем же ключом и телом получает сохранённый ответ, с другим телом получает 409.
func (h *Handler) idempotent(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" {
				if required {
					h.writeError(w, r, fmt.Errorf("%s header: %w", HeaderIdempotencyKey, domain.ErrIdempotencyKeyRequired))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if h.idempotency == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				h.writeError(w, r, fmt.Errorf("%w: %v", errMalformedBody, err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			record, err := domain.NewIdempotencyRecord(key, requestHash(r, body), h.now(), h.idempotencyTTL)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			existing, err := h.idempotency.Reserve(ctx, record)
			if err != nil {
				h.replay(w, r, existing, err)
				return
			}

			// Паника обработчика не должна оставить ключ в processing до конца TTL:
			// фиксируем 500 и отдаём панику дальше в Recoverer.
			completed := false
			defer func() {
				if !completed {
					h.complete(ctx, key, panicResponse())
				}
			}()

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			completed = true

			h.complete(ctx, key, domain.StoredResponse{
				Status:      rec.statusCode(),
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
		})
	}
}

// complete сохраняет ответ даже при отменённом контексте клиента: запрос уже выполнен.
func (h *Handler) complete(ctx context.Context, key string, resp domain.StoredResponse) {
	if err := h.idempotency.Complete(context.WithoutCancel(ctx), key, resp); err != nil {
		h.logger.WithError(err).WithField("idempotency_key", key).Warn("store idempotent response")
	}
}

func panicResponse() domain.StoredResponse {
	body, _ := json.Marshal(errorBody{Error: errorDetail{Code: "internal_error", Message: "internal server error"}})
	return domain.StoredResponse{
		Status:      http.StatusInternalServerError,
		ContentType: "application/json",
		Body:        body,
	}
}

// replay отдаёт сохранённый ответ; конфликты ключа уходят в обычный разбор ошибок.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, record domain.IdempotencyRecord, err error) {
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
		h.writeError(w, r, err)
		return
	}

	contentType := record.Response.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderIdempotentReplay, "true")
	w.WriteHeader(record.Response.Status)
	_, _ = w.Write(record.Response.Body)
}

// requestHash — sha256 от метода, пути и тела запроса.
func requestHash(r *http.Request, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(r.Method))
	sum.Write([]byte{'\n'})
	sum.Write([]byte(r.URL.Path))
	sum.Write([]byte{'\n'})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// responseRecorder пропускает ответ клиенту и копирует его для кэша ключей.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func (r *responseRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
