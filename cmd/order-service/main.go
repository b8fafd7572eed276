package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-oms/internal/app"
	"github.com/vladislavdragonenkov/storefront-oms/internal/version"
)

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := loadConfig(os.LookupEnv)
	for _, warning := range warnings {
		log.WithError(warning).Warn("invalid configuration value, using default")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.Current().String(),
		"http_addr":      cfg.HTTPAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka_enabled":  len(cfg.KafkaBrokers) > 0,
	}).Info("запускаем storefront order service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("storefront order service остановлен")
}
