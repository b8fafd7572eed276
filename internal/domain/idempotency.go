package domain

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultIdempotencyTTL применяется, если время жизни ключа не задано.
const DefaultIdempotencyTTL = 24 * time.Hour

var (
	// ErrIdempotencyKeyRequired — ключ не передан или пустой.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — не удалось посчитать хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже использован тем же запросом, ответ можно повторить.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyInProgress — первый запрос с этим ключом ещё не завершён.
	ErrIdempotencyInProgress = errors.New("request with this idempotency key is still processing")
	// ErrIdempotencyHashMismatch — ключ уже использован другим запросом.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — записи по ключу нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что команда выполнена и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что команда отклонена; ответ с ошибкой тоже повторяется.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// StoredResponse — HTTP-ответ первой попытки, который отдаётся на повторы.
type StoredResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Outcome выводит статус ключа из кода ответа: 4xx и 5xx считаются отказом.
func (r StoredResponse) Outcome() IdempotencyStatus {
	if r.Status >= http.StatusBadRequest {
		return IdempotencyStatusFailed
	}
	return IdempotencyStatusDone
}

// IdempotencyRecord хранит состояние обработки команды с Idempotency-Key.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Status      IdempotencyStatus
	Response    StoredResponse
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewIdempotencyRecord резервирует ключ в статусе processing.
func NewIdempotencyRecord(key, requestHash string, now time.Time, ttl time.Duration) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	now = now.UTC().Truncate(TimeResolution)
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Expired сообщает, что ключ больше не защищает от повторов и может быть занят заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// CheckReuse сравнивает живую запись с новым запросом под тем же ключом.
// ErrIdempotencyKeyAlreadyExists означает, что сохранённый ответ можно отдать повторно.
func (r IdempotencyRecord) CheckReuse(requestHash string) error {
	switch {
	case r.RequestHash != strings.TrimSpace(requestHash):
		return ErrIdempotencyHashMismatch
	case r.Status == IdempotencyStatusProcessing:
		return ErrIdempotencyInProgress
	default:
		return ErrIdempotencyKeyAlreadyExists
	}
}

// Complete фиксирует ответ и итоговый статус.
func (r IdempotencyRecord) Complete(resp StoredResponse, now time.Time) IdempotencyRecord {
	next := r
	next.Status = resp.Outcome()
	next.Response = StoredResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Body:        append([]byte(nil), resp.Body...),
	}
	next.UpdatedAt = now.UTC().Truncate(TimeResolution)
	return next
}

// Clone возвращает копию без общих срезов.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	dst := r
	dst.Response.Body = append([]byte(nil), r.Response.Body...)
	return dst
}

// IsIdempotencyConflict проверяет, что ключ занят другим или незавершённым запросом.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyHashMismatch) || errors.Is(err, ErrIdempotencyInProgress)
}
