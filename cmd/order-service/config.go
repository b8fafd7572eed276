package main

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/app"
)

const (
	envLogLevel                    = "STOREFRONT_LOG_LEVEL"
	envHTTPAddr                    = "STOREFRONT_HTTP_ADDR"
	envMetricsAddr                 = "STOREFRONT_METRICS_ADDR"
	envStorageDriver               = "STOREFRONT_STORAGE_DRIVER"
	envPostgresDSN                 = "STOREFRONT_POSTGRES_DSN"
	envPostgresAutoMigrate         = "STOREFRONT_POSTGRES_AUTO_MIGRATE"
	envKafkaBrokers                = "KAFKA_BROKERS"
	envKafkaTopic                  = "STOREFRONT_KAFKA_TOPIC"
	envKafkaDLQTopic               = "STOREFRONT_KAFKA_DLQ_TOPIC"
	envOutboxPollInterval          = "STOREFRONT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "STOREFRONT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "STOREFRONT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "STOREFRONT_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending            = "STOREFRONT_OUTBOX_MAX_PENDING"
	envIdempotencyTTL              = "STOREFRONT_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "STOREFRONT_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "STOREFRONT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envStatsCacheSize              = "STOREFRONT_STATS_CACHE_SIZE"
)

// envLookup совпадает по сигнатуре с os.LookupEnv.
type envLookup func(key string) (string, bool)

// envBinding связывает переменную окружения с полем конфигурации.
type envBinding struct {
	key   string
	apply func(raw string) error
}

func configBindings(cfg *app.Config) []envBinding {
	return []envBinding{
		{envHTTPAddr, text(&cfg.HTTPAddr)},
		{envMetricsAddr, text(&cfg.MetricsAddr)},
		{envStorageDriver, lowerText(&cfg.StorageDriver)},
		{envPostgresDSN, text(&cfg.PostgresDSN)},
		{envPostgresAutoMigrate, boolean(&cfg.PostgresAutoMigrate)},
		{envKafkaBrokers, list(&cfg.KafkaBrokers)},
		{envKafkaTopic, text(&cfg.KafkaTopic)},
		{envKafkaDLQTopic, text(&cfg.KafkaDLQTopic)},
		{envOutboxPollInterval, atLeast(&cfg.OutboxPollInterval, time.Nanosecond, time.ParseDuration)},
		{envOutboxBatchSize, atLeast(&cfg.OutboxBatchSize, 1, strconv.Atoi)},
		{envOutboxMaxAttempts, atLeast(&cfg.OutboxMaxAttempts, 1, strconv.Atoi)},
		{envOutboxRetryDelay, atLeast(&cfg.OutboxRetryDelay, 0, time.ParseDuration)},
		{envOutboxMaxPending, atLeast(&cfg.OutboxMaxPending, 0, strconv.Atoi)},
		{envIdempotencyTTL, atLeast(&cfg.IdempotencyTTL, time.Nanosecond, time.ParseDuration)},
		{envIdempotencyCleanupInterval, atLeast(&cfg.IdempotencyCleanupInterval, time.Nanosecond, time.ParseDuration)},
		{envIdempotencyCleanupBatchSize, atLeast(&cfg.IdempotencyCleanupBatchSize, 1, strconv.Atoi)},
		{envStatsCacheSize, atLeast(&cfg.StatsCacheSize, 1, strconv.Atoi)},
	}
}

// loadConfig накладывает окружение на app.DefaultConfig.
// Некорректное значение оставляет поле по умолчанию и попадает в warnings.
func loadConfig(lookup envLookup) (app.Config, []error) {
	cfg := app.DefaultConfig()
	var warnings []error
	for _, b := range configBindings(&cfg) {
		raw, ok := lookup(b.key)
		if !ok {
			continue
		}
		if err := b.apply(strings.TrimSpace(raw)); err != nil {
			warnings = append(warnings, fmt.Errorf("%s: %w", b.key, err))
		}
	}
	return cfg, warnings
}

// text пропускает пустые значения.
func text(dst *string) func(string) error {
	return func(raw string) error {
		if raw != "" {
			*dst = raw
		}
		return nil
	}
}

func lowerText(dst *string) func(string) error {
	return func(raw string) error {
		return text(dst)(strings.ToLower(raw))
	}
}

func list(dst *[]string) func(string) error {
	return func(raw string) error {
		var out []string
		for part := range strings.SplitSeq(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(raw string) error {
		switch strings.ToLower(raw) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			return fmt.Errorf("invalid boolean %q", raw)
		}
		return nil
	}
}

// atLeast разбирает значение через parse и отклоняет всё, что меньше floor.
func atLeast[T cmp.Ordered](dst *T, floor T, parse func(string) (T, error)) func(string) error {
	return func(raw string) error {
		value, err := parse(raw)
		if err != nil {
			return fmt.Errorf("cannot parse %q", raw)
		}
		if value < floor {
			return fmt.Errorf("%v is below the minimum %v", value, floor)
		}
		*dst = value
		return nil
	}
}

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, _ := lookup(envLogLevel)
	if raw = strings.TrimSpace(raw); raw == "" {
		return
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		log.WithError(err).Warnf("ignoring %s", envLogLevel)
		return
	}
	log.SetLevel(level)
}
