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
	"klined/internal/publish"
	"klined/internal/server"
	"klined/internal/storage"
	"klined/internal/stream"
	"klined/internal/supervisor"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to DB")
		os.Exit(1)
	}
	defer pool.Close()
	store := storage.NewKlineStore(pool)

	var opts []stream.Option
	if cfg.Kafka.Broker != "" {
		pub, err := publish.NewKafkaPublisher(cfg.Kafka.Broker, cfg.Kafka.Topic, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to create Kafka producer")
			os.Exit(1)
		}
		defer pub.Close()
		opts = append(opts, stream.WithPublisher(pub))
	}

	streamCfg := stream.DefaultConfig(cfg.Stream.URL)
	streamCfg.PingInterval = time.Duration(cfg.Stream.PingIntervalSeconds) * time.Second
	streamCfg.MaxReconnectDelay = time.Duration(cfg.Stream.MaxReconnectSeconds) * time.Second

	var subs []stream.Subscription
	for _, symbol := range cfg.Symbols {
		for _, interval := range cfg.Intervals {
			subs = append(subs, stream.Subscription{Symbol: symbol, Interval: interval})
		}
	}

	ingestor := stream.NewIngestor(streamCfg, subs, store, logger, opts...)

	// Optional gap-fill at startup. Best effort: the live stream does not
	// wait for it and a failed backfill does not stop ingestion.
	if cfg.Backfill.RunOnStart && !cfg.Backfill.From.IsZero() {
		client := binance.NewClient(cfg.Backfill.RESTBaseURL, logger)
		reconcilerCfg := backfill.DefaultConfig()
		reconcilerCfg.PageDelay = time.Duration(cfg.Backfill.PageDelayMs) * time.Millisecond
		reconcilerCfg.RequestsPerSecond = cfg.Backfill.RequestsPerSecond
		reconciler := backfill.NewReconciler(reconcilerCfg, client, store, logger)
		go func() {
			for _, symbol := range cfg.Symbols {
				for _, interval := range cfg.Intervals {
					if _, err := reconciler.Reconcile(ctx, symbol, interval, cfg.Backfill.From, cfg.Backfill.To); err != nil {
						logger.WithError(err).WithFields(logrus.Fields{
							"symbol":   symbol,
							"interval": interval,
						}).Warn("startup backfill failed")
					}
				}
			}
		}()
	}

	go func() {
		if err := server.Run(ctx, cfg.HealthAddr, ingestor, logger); err != nil {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	logger.WithField("subscriptions", len(subs)).Info("Stream ingestor started")

	err = supervisor.Supervise(ctx, supervisor.DefaultConfig(), "stream-ingestor", logger, ingestor.Run)
	if err != nil {
		logger.WithError(err).Error("Stream ingestor stopped with error")
		os.Exit(1)
	}

	logger.Info("Stream ingestor shutdown complete")
}
