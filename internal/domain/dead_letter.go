package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotDeadLetter — payload не похож на письмо, которое outbox relay кладёт в DLQ.
var ErrNotDeadLetter = errors.New("message is not an outbox dead letter")

// DeadLetter — событие outbox, которое не удалось опубликовать за отведённые попытки.
type DeadLetter struct {
	OutboxID     string          `json:"outbox_id"`
	OrderID      string          `json:"order_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	PublishError string          `json:"publish_error"`
	FailedAt     time.Time       `json:"failed_at"`
}

// NewDeadLetter упаковывает событие и причину сбоя в сообщение для DLQ.
// Метаданные события сохраняются, payload заменяется телом DeadLetter.
func NewDeadLetter(event OutboxMessage, cause error, failedAt time.Time) (OutboxMessage, error) {
	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(event.Payload))
		if err != nil {
			return OutboxMessage{}, err
		}
		payload = quoted
	}

	letter := DeadLetter{
		OutboxID:  event.ID,
		OrderID:   event.AggregateID,
		EventType: event.EventType,
		Payload:   payload,
		FailedAt:  failedAt.UTC(),
	}
	if cause != nil {
		letter.PublishError = cause.Error()
	}

	body, err := json.Marshal(letter)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("encode dead letter: %w", err)
	}

	dead := event
	dead.Payload = body
	return dead, nil
}

// ParseDeadLetter восстанавливает исходное событие из DLQ-сообщения.
// Пустые поля письма дополняются метаданными самого сообщения.
func ParseDeadLetter(msg OutboxMessage) (OutboxMessage, DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(msg.Payload, &letter); err != nil {
		return OutboxMessage{}, DeadLetter{}, fmt.Errorf("%w: %v", ErrNotDeadLetter, err)
	}
	if len(letter.Payload) == 0 {
		return OutboxMessage{}, DeadLetter{}, fmt.Errorf("%w: original payload is missing", ErrNotDeadLetter)
	}

	original := OutboxMessage{
		ID:            letter.OutboxID,
		AggregateType: msg.AggregateType,
		AggregateID:   letter.OrderID,
		EventType:     letter.EventType,
		Payload:       []byte(letter.Payload),
	}
	if original.ID == "" {
		original.ID = msg.ID
	}
	if original.AggregateID == "" {
		original.AggregateID = msg.AggregateID
	}
	if original.EventType == "" {
		original.EventType = msg.EventType
	}
	return original, letter, nil
}
