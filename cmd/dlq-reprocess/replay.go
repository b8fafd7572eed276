package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/messaging/kafka"
)

// offsetSource — часть sarama.Client, нужная для обхода партиций.
type offsetSource interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
}

// partitionStream — часть sarama.PartitionConsumer.
type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionOpener interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
}

// replayTarget получает восстановленные события в режиме execute.
type replayTarget interface {
	Publish(event domain.OutboxMessage) error
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s replayStats) plus(other replayStats) replayStats {
	return replayStats{
		scanned:  s.scanned + other.scanned,
		replayed: s.replayed + other.replayed,
		skipped:  s.skipped + other.skipped,
	}
}

// replayer читает DLQ по партициям и возвращает подходящие события в topic заказов.
// В dry-run он только пишет в лог, что было бы отправлено.
type replayer struct {
	cfg     config
	offsets offsetSource
	opener  partitionOpener
	target  replayTarget
	logger  *log.Entry
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.offsets == nil || r.opener == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.target == nil {
		return total, errors.New("execute mode needs a replay target")
	}

	partitions, err := r.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		stats, err := r.scanPartition(ctx, partition, budget)
		total = total.plus(stats)
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"mode":     r.cfg.mode(),
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// scanWindow возвращает первое смещение для чтения; ok=false означает пустую партицию.
func scanWindow(oldest, newest int64, budget int, fromNewest bool) (start int64, ok bool) {
	if newest <= oldest {
		return 0, false
	}
	if fromNewest {
		return max(newest-int64(budget), oldest), true
	}
	return oldest, true
}

func (r *replayer) scanPartition(ctx context.Context, partition int32, budget int) (replayStats, error) {
	var stats replayStats
	topic := r.cfg.sourceTopic

	oldest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	// newest — смещение следующего сообщения; всё, что пришло после старта, не читаем.
	newest, err := r.offsets.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	start, ok := scanWindow(oldest, newest, budget, r.cfg.fromNewest)
	if !ok {
		return stats, nil
	}

	stream, err := r.opener.ConsumePartition(topic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-stream.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, open := <-stream.Messages():
			if !open || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.scanned++
			replayed, err := r.handle(msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// handle разбирает одно сообщение DLQ; false означает, что оно пропущено.
func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	event, letter, err := decodeDeadLetter(msg.Value)
	switch {
	case errors.Is(err, kafka.ErrNotOutboxEnvelope):
		return false, nil
	case err != nil:
		entry.WithError(err).Warn("skip malformed dead letter")
		return false, nil
	case !r.cfg.filter.accepts(event):
		return false, nil
	}

	entry = entry.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"order_id":   event.AggregateID,
		"event_type": event.EventType,
	})
	if !r.cfg.execute {
		entry.WithFields(log.Fields{
			"publish_error": letter.PublishError,
			"failed_at":     letter.FailedAt,
		}).Info("dlq replay candidate")
		return true, nil
	}

	if err := r.target.Publish(event); err != nil {
		return false, fmt.Errorf("replay %s: %w", event.ID, err)
	}
	entry.Info("dlq message replayed")
	return true, nil
}

// decodeDeadLetter снимает kafka-конверт и достаёт исходное событие outbox.
func decodeDeadLetter(value []byte) (domain.OutboxMessage, domain.DeadLetter, error) {
	msg, err := kafka.DecodeEnvelope(value)
	if err != nil {
		return domain.OutboxMessage{}, domain.DeadLetter{}, err
	}
	return domain.ParseDeadLetter(msg)
}
