package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"klined/configs"
	"klined/internal/backfill"
	"klined/internal/binance"
	"klined/internal/storage"
)

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

func main() {
	logger := newLogger()

	cfg, err := configs.AppLoad()
	if err != nil {
		logger.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}
	if cfg.Backfill.From.IsZero() {
		logger.Error("BACKFILL_FROM is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to DB")
		os.Exit(1)
	}
	defer pool.Close()
	store := storage.NewKlineStore(pool)

	client := binance.NewClient(cfg.Backfill.RESTBaseURL, logger)

	reconcilerCfg := backfill.DefaultConfig()
	reconcilerCfg.PageDelay = time.Duration(cfg.Backfill.PageDelayMs) * time.Millisecond
	reconcilerCfg.RequestsPerSecond = cfg.Backfill.RequestsPerSecond
	reconciler := backfill.NewReconciler(reconcilerCfg, client, store, logger)

	for _, symbol := range cfg.Symbols {
		for _, interval := range cfg.Intervals {
			stats, err := reconciler.Reconcile(ctx, symbol, interval, cfg.Backfill.From, cfg.Backfill.To)
			if err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"symbol":   symbol,
					"interval": interval,
				}).Error("Backfill failed")
				os.Exit(1)
			}
			logger.WithFields(logrus.Fields{
				"symbol":   symbol,
				"interval": interval,
				"fetched":  stats.Fetched,
				"inserted": stats.Inserted,
				"updated":  stats.Updated,
				"skipped":  stats.Skipped,
			}).Info("Backfill complete")
		}
	}
}
