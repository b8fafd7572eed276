package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// errMalformedBody — тело запроса не разбирается как JSON.
var errMalformedBody = errors.New("malformed request body")

// classify сопоставляет ошибку с HTTP-статусом и машинным кодом.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errMalformedBody):
		return http.StatusBadRequest, "malformed_request"
	case errors.Is(err, domain.ErrUnsupportedFormat):
		return http.StatusBadRequest, "unsupported_format"
	case errors.Is(err, domain.ErrIdempotencyKeyRequired):
		return http.StatusBadRequest, "idempotency_key_required"
	case domain.IsValidation(err):
		return http.StatusUnprocessableEntity, "validation_error"
	case domain.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case domain.IsInvalidTransition(err):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrOrderAlreadyExists):
		return http.StatusConflict, "order_exists"
	case domain.IsIdempotencyConflict(err):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, domain.ErrPaymentTemporary):
		return http.StatusServiceUnavailable, "payment_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)

	detail := errorDetail{Code: code, Message: err.Error()}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		detail.Field = validationErr.Field
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		if status == http.StatusInternalServerError {
			detail.Message = "internal server error"
		}
	}

	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write json response")
	}
}
