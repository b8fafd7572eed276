package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

// Заголовки сообщений outbox.
const (
	HeaderEventType = "x-event-type"
	HeaderOutboxID  = "x-outbox-id"
)

var (
	errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")
	// ErrNotOutboxEnvelope — сообщение в topic записано не OutboxTopicPublisher.
	ErrNotOutboxEnvelope = errors.New("kafka message is not an outbox envelope")
)

// OutboxTopicPublisher публикует сообщения outbox в один topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт publisher; пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

// outboxEnvelope — формат сообщения в topic.
type outboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Publish отправляет сообщение, ключуя его ID заказа, чтобы события одного заказа шли по порядку.
func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	return p.producer.Send(p.topic, key, outboxEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}, map[string]string{
		HeaderEventType: event.EventType,
		HeaderOutboxID:  event.ID,
	})
}

// DecodeEnvelope восстанавливает сообщение outbox из значения Kafka-сообщения.
func DecodeEnvelope(value []byte) (domain.OutboxMessage, error) {
	var envelope outboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("%w: %v", ErrNotOutboxEnvelope, err)
	}
	if len(envelope.Payload) == 0 {
		return domain.OutboxMessage{}, fmt.Errorf("%w: empty payload", ErrNotOutboxEnvelope)
	}

	aggregateType := envelope.AggregateType
	if aggregateType == "" {
		aggregateType = AggregateOrder
	}
	return domain.OutboxMessage{
		ID:            envelope.ID,
		AggregateType: aggregateType,
		AggregateID:   envelope.AggregateID,
		EventType:     envelope.EventType,
		Payload:       []byte(envelope.Payload),
	}, nil
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
