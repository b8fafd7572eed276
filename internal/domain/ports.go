package domain

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// Mutation вычисляет новое состояние заказа из текущего снапшота.
// Ошибка отменяет мутацию целиком.
type Mutation func(current Order) (Order, error)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// NextID выдаёт следующий человекочитаемый идентификатор заказа.
	NextID(ctx context.Context) (string, error)
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если ID занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает снапшот заказа или NotFoundError.
	Get(ctx context.Context, id string) (Order, error)
	// ApplyMutation атомарно применяет мутацию; мутации одного заказа сериализуются.
	ApplyMutation(ctx context.Context, id string, mutate Mutation) (Order, error)
	// List возвращает ленивую перезапускаемую выборку снапшотов.
	List(ctx context.Context, filter ListFilter) iter.Seq2[Order, error]
	// Revision растёт при каждой принятой записи; используется для инвалидации кэшей.
	Revision(ctx context.Context) (int64, error)
}

// PaymentGateway описывает взаимодействие с платёжным провайдером.
type PaymentGateway interface {
	// Capture списывает сумму заказа.
	Capture(ctx context.Context, orderID string, amount decimal.Decimal) error
	// Refund возвращает часть или всю сумму клиенту.
	Refund(ctx context.Context, orderID, refundID string, amount decimal.Decimal) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит append-only историю мутаций заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	// Reserve сохраняет запись processing. Истёкшая запись под тем же ключом заменяется.
	// Если ключ занят живой записью, возвращает её вместе с ошибкой CheckReuse.
	Reserve(ctx context.Context, record IdempotencyRecord) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Complete сохраняет ответ; статус выводится из кода ответа.
	Complete(ctx context.Context, key string, resp StoredResponse) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStatus — состояние сообщения в outbox.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	// OutboxFailed — попытки исчерпаны, событие ушло в DLQ.
	OutboxFailed OutboxStatus = "failed"
)

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
