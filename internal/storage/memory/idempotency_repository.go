package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// idempotencyRepositoryInMemory держит ключи идемпотентности HTTP-команд в карте.
// Истёкшие ключи остаются до очистки, но Reserve занимает их заново.
type idempotencyRepositoryInMemory struct {
	mu   sync.Mutex
	keys map[string]domain.IdempotencyRecord
	now  func() time.Time
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepositoryInMemory{
		keys: make(map[string]domain.IdempotencyRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepositoryInMemory) Reserve(ctx context.Context, record domain.IdempotencyRecord) (domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if record.Key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if record.RequestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.keys[record.Key]; ok && !existing.Expired(record.CreatedAt) {
		return existing.Clone(), existing.CheckReuse(record.RequestHash)
	}
	r.keys[record.Key] = record.Clone()
	return record.Clone(), nil
}

func (r *idempotencyRepositoryInMemory) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.keys[strings.TrimSpace(key)]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return record.Clone(), nil
}

func (r *idempotencyRepositoryInMemory) Complete(ctx context.Context, key string, resp domain.StoredResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key = strings.TrimSpace(key)
	record, ok := r.keys[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	r.keys[key] = record.Complete(resp, r.now())
	return nil
}

// DeleteExpired удаляет до limit истёкших ключей; limit <= 0 снимает ограничение.
func (r *idempotencyRepositoryInMemory) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, record := range r.keys {
		if limit > 0 && removed >= limit {
			break
		}
		if record.Expired(before) {
			delete(r.keys, key)
			removed++
		}
	}
	return removed, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepositoryInMemory)(nil)
