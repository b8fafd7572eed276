// Команда dlq-reprocess просматривает dead letter topic и возвращает выбранные события заказов в основной topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/messaging/kafka"
)

const clientID = "storefront-dlq-reprocess"

// kafkaDeps — подключения к Kafka на время одного запуска.
type kafkaDeps struct {
	offsets offsetSource
	opener  partitionOpener
	target  replayTarget
	closers []io.Closer
}

func (d kafkaDeps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
}

// consumerOpener приводит sarama.Consumer к partitionOpener.
type consumerOpener struct {
	consumer sarama.Consumer
}

func (o consumerOpener) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	return o.consumer.ConsumePartition(topic, partition, offset)
}

var connectKafka = func(cfg config) (kafkaDeps, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = clientID
	saramaCfg.Consumer.Return.Errors = true

	var deps kafkaDeps
	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return deps, fmt.Errorf("connect to kafka: %w", err)
	}
	deps.offsets = client
	deps.closers = append(deps.closers, client)

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		deps.close()
		return kafkaDeps{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps.opener = consumerOpener{consumer: consumer}
	deps.closers = append(deps.closers, consumer)

	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers, clientID)
		if err != nil {
			deps.close()
			return kafkaDeps{}, err
		}
		deps.target = kafka.NewOutboxPublisher(producer, cfg.targetTopic)
		deps.closers = append(deps.closers, producer)
	}
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stderr)
	stop()
	os.Exit(code)
}

// run возвращает код выхода: 2 для неверных флагов, 1 для сбоя повтора.
func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) int {
	cfg, err := parseConfig(args, getenv)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "dlq-reprocess: %v\n", err)
		return 2
	}

	logger := log.WithFields(log.Fields{
		"component":    "dlq-reprocess",
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"mode":         cfg.mode(),
	})
	logger.WithFields(log.Fields{
		"event_type":  cfg.filter.eventType,
		"order_id":    cfg.filter.orderID,
		"limit":       cfg.limit,
		"from_newest": cfg.fromNewest,
	}).Info("starting dlq replay")

	deps, err := connectKafka(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "dlq-reprocess: %v\n", err)
		return 1
	}
	defer deps.close()

	r := &replayer{cfg: cfg, offsets: deps.offsets, opener: deps.opener, target: deps.target, logger: logger}
	if _, err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(stderr, "dlq-reprocess: %v\n", err)
		return 1
	}
	return 0
}
