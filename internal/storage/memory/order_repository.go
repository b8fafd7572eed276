package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// orderEntry — единственный владелец записи заказа.
// Писатели сериализуются на mu, читатели берут снапшот без блокировок.
type orderEntry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[domain.Order]
}

func (e *orderEntry) load() domain.Order {
	return e.snapshot.Load().Clone()
}

// orderRepositoryInMemory — in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu       sync.RWMutex
	entries  map[string]*orderEntry
	inserted []*orderEntry

	seq      atomic.Int64
	revision atomic.Int64
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		entries: make(map[string]*orderEntry),
	}
}

// NextID выдаёт следующий свободный идентификатор вида ORD-000001.
func (r *orderRepositoryInMemory) NextID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for {
		id := domain.FormatOrderID(r.seq.Add(1))
		r.mu.RLock()
		_, taken := r.entries[id]
		r.mu.RUnlock()
		if !taken {
			return id, nil
		}
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if order.ID == "" {
		return domain.NewValidationError("id", domain.ErrOrderIDRequired)
	}

	snapshot := order.Clone()
	entry := &orderEntry{}
	entry.snapshot.Store(&snapshot)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[order.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrOrderAlreadyExists, order.ID)
	}
	r.entries[order.ID] = entry
	r.inserted = append(r.inserted, entry)
	r.revision.Add(1)
	return nil
}

// Get возвращает снапшот заказа или NotFoundError.
func (r *orderRepositoryInMemory) Get(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	entry, ok := r.lookup(id)
	if !ok {
		return domain.Order{}, &domain.NotFoundError{OrderID: id}
	}
	return entry.load(), nil
}

// ApplyMutation применяет мутацию под блокировкой заказа и публикует новый снапшот целиком.
func (r *orderRepositoryInMemory) ApplyMutation(ctx context.Context, id string, mutate domain.Mutation) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	entry, ok := r.lookup(id)
	if !ok {
		return domain.Order{}, &domain.NotFoundError{OrderID: id}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	current := entry.load()
	next, err := mutate(current.Clone())
	if err != nil {
		return domain.Order{}, err
	}
	if err := domain.CheckMutation(current, next); err != nil {
		return domain.Order{}, err
	}

	next.Version = current.Version + 1
	stored := next.Clone()
	entry.snapshot.Store(&stored)
	r.revision.Add(1)
	return next, nil
}

// List возвращает ленивую выборку. Каждый проход заново читает текущие снапшоты.
func (r *orderRepositoryInMemory) List(ctx context.Context, filter domain.ListFilter) iter.Seq2[domain.Order, error] {
	return func(yield func(domain.Order, error) bool) {
		if err := filter.Validate(); err != nil {
			yield(domain.Order{}, err)
			return
		}

		r.mu.RLock()
		entries := make([]*orderEntry, len(r.inserted))
		copy(entries, r.inserted)
		r.mu.RUnlock()

		if filter.Sorted() {
			var matched []domain.Order
			for _, entry := range entries {
				if order := entry.load(); filter.Matches(order) {
					matched = append(matched, order)
				}
			}
			domain.SortOrders(matched, filter.SortBy, filter.SortDesc)
			if filter.Limit > 0 && len(matched) > filter.Limit {
				matched = matched[:filter.Limit]
			}
			for _, order := range matched {
				if err := ctx.Err(); err != nil {
					yield(domain.Order{}, err)
					return
				}
				if !yield(order, nil) {
					return
				}
			}
			return
		}

		emitted := 0
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				yield(domain.Order{}, err)
				return
			}
			order := entry.load()
			if !filter.Matches(order) {
				continue
			}
			if !yield(order, nil) {
				return
			}
			emitted++
			if filter.Limit > 0 && emitted >= filter.Limit {
				return
			}
		}
	}
}

// Revision растёт при каждой принятой записи.
func (r *orderRepositoryInMemory) Revision(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.revision.Load(), nil
}

func (r *orderRepositoryInMemory) lookup(id string) (*orderEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
