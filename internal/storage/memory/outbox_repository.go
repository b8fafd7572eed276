package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

type outboxEntry struct {
	msg       domain.OutboxMessage
	createdAt time.Time
}

// OutboxRepository — in-memory outbox. Хранит только ожидающие сообщения в порядке постановки:
// MarkSent и MarkFailed удаляют запись, повторный Enqueue с тем же id переносит её в конец очереди.
type OutboxRepository struct {
	mu      sync.RWMutex
	entries []*outboxEntry
	byID    map[string]*outboxEntry
	now     func() time.Time
}

// NewOutboxRepository создаёт пустой in-memory outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*outboxEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = slices.Clone(msg.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[msg.ID]; ok {
		r.remove(old)
	}
	entry := &outboxEntry{msg: msg, createdAt: r.now()}
	r.entries = append(r.entries, entry)
	r.byID[msg.ID] = entry
	return msg, nil
}

func (r *OutboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.OutboxMessage, 0, min(limit, len(r.entries)))
	for _, entry := range r.entries[:min(limit, len(r.entries))] {
		msg := entry.msg
		msg.Payload = slices.Clone(msg.Payload)
		out = append(out, msg)
	}
	return out, nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxStats{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.OutboxStats{PendingCount: len(r.entries)}
	if len(r.entries) > 0 {
		stats.OldestPendingAt = r.entries[0].createdAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.settle(ctx, id)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.settle(ctx, id)
}

// settle убирает обработанное сообщение: после отправки или DLQ оно больше не нужно.
func (r *OutboxRepository) settle(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	r.remove(entry)
	return nil
}

func (r *OutboxRepository) remove(entry *outboxEntry) {
	r.entries = slices.DeleteFunc(r.entries, func(e *outboxEntry) bool { return e == entry })
	delete(r.byID, entry.msg.ID)
}

// Len возвращает число хранимых сообщений.
func (r *OutboxRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// AllPending возвращает все неотправленные сообщения.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	pending, _ := r.PullPending(context.Background(), r.Len()+1)
	return pending
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
