package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
	"github.com/vladislavdragonenkov/storefront-oms/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

var errInvalidConfig = errors.New("invalid configuration")

// replayFilter сужает повтор до одного типа события и/или одного заказа.
type replayFilter struct {
	eventType string
	orderID   string
}

func (f replayFilter) accepts(event domain.OutboxMessage) bool {
	return (f.eventType == "" || event.EventType == f.eventType) &&
		(f.orderID == "" || event.AggregateID == f.orderID)
}

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	filter      replayFilter
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

// parseConfig читает флаги; брокеры без флага берутся из KAFKA_BROKERS.
func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg     config
		brokers string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers, defaults to $KAFKA_BROKERS")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic that receives replayed events")
	fs.StringVar(&cfg.filter.eventType, "event-type", "", "replay only this event type, e.g. order.refunded")
	fs.StringVar(&cfg.filter.orderID, "order", "", "replay only events of this order")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "maximum number of dead letters to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish matching events; without it the tool only lists them")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the most recent dead letters of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this much silence")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv("KAFKA_BROKERS")
	}
	cfg.brokers = splitBrokers(brokers)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	cfg.filter.eventType = strings.TrimSpace(cfg.filter.eventType)
	cfg.filter.orderID = strings.TrimSpace(cfg.filter.orderID)

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	var problem string
	switch {
	case len(c.brokers) == 0:
		problem = "kafka brokers are required (-brokers or KAFKA_BROKERS)"
	case c.sourceTopic == "" || c.targetTopic == "":
		problem = "source and target topics are required"
	case c.sourceTopic == c.targetTopic:
		problem = "source and target topics must differ"
	case c.limit <= 0:
		problem = "limit must be positive"
	case c.idleTimeout <= 0:
		problem = "idle-timeout must be positive"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", errInvalidConfig, problem)
}

func splitBrokers(raw string) []string {
	var brokers []string
	for broker := range strings.SplitSeq(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
