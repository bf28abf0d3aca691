// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"klined/internal/binance"
	"klined/internal/models"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// DBDSN is the Postgres/TimescaleDB connection string.
	DBDSN string

	// Symbols are the uppercase trading pairs to ingest (e.g. BTCUSDT).
	Symbols []string

	// Intervals are the kline intervals to ingest.
	Intervals []models.Interval

	// Stream contains websocket connection settings.
	Stream StreamConfig

	// Backfill contains historical reconciliation settings.
	Backfill BackfillConfig

	// Kafka contains closed-candle fanout settings. Disabled when Broker
	// is empty.
	Kafka KafkaConfig

	// HealthAddr is the listen address for the probe endpoints.
	HealthAddr string
}

// StreamConfig holds websocket stream settings.
type StreamConfig struct {
	// URL is the combined stream endpoint.
	URL string

	// PingIntervalSeconds is the interval between outbound pings.
	PingIntervalSeconds int

	// MaxReconnectSeconds caps the reconnect backoff.
	MaxReconnectSeconds int
}

// BackfillConfig holds settings for the historical reconciler.
type BackfillConfig struct {
	// RESTBaseURL is the REST endpoint; empty selects the public one.
	RESTBaseURL string

	// From and To bound the window to reconcile.
	From time.Time
	To   time.Time

	// RunOnStart makes the stream binary reconcile the window once at
	// startup, alongside live ingestion.
	RunOnStart bool

	// PageDelayMs is the pause between pages in milliseconds.
	PageDelayMs int

	// RequestsPerSecond caps outbound request rate.
	RequestsPerSecond float64
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// Topic is the Kafka topic for closed candles.
	Topic string
}

// getDatabaseDSN constructs the Postgres DSN from environment variables.
func getDatabaseDSN() string {
	dbUser := getEnv("PG_USER", "postgres")
	dbPassword := getEnv("PG_PASSWORD", "postgres")
	dbHost := getEnv("PG_HOST", "localhost")
	dbPort := getEnv("PG_PORT", "5432")
	dbName := getEnv("PG_DB", "klined")
	sslMode := getEnv("PG_SSLMODE", "disable")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbUser, dbPassword, dbHost, dbPort, dbName, sslMode,
	)
}

// parseSymbols validates the comma-separated symbol list.
func parseSymbols(raw string) ([]string, error) {
	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		symbols = append(symbols, s)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("SYMBOLS is empty")
	}
	return symbols, nil
}

// parseIntervals validates the comma-separated interval list.
func parseIntervals(raw string) ([]models.Interval, error) {
	var intervals []models.Interval
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		iv, err := models.ParseInterval(s)
		if err != nil {
			return nil, fmt.Errorf("INTERVALS: %w", err)
		}
		intervals = append(intervals, iv)
	}
	if len(intervals) == 0 {
		return nil, fmt.Errorf("INTERVALS is empty")
	}
	return intervals, nil
}

// getBackfillWindow parses the optional BACKFILL_FROM/BACKFILL_TO bounds,
// given as RFC 3339 timestamps. BACKFILL_LOOKBACK (a Go duration such as
// "24h") is an alternative to BACKFILL_FROM; To defaults to now.
func getBackfillWindow() (time.Time, time.Time, error) {
	var from, to time.Time
	if raw := getEnv("BACKFILL_FROM", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, fmt.Errorf("BACKFILL_FROM: %w", err)
		}
		from = t.UTC()
	} else if raw := getEnv("BACKFILL_LOOKBACK", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return from, to, fmt.Errorf("BACKFILL_LOOKBACK: invalid duration %q", raw)
		}
		from = time.Now().UTC().Add(-d)
	}
	to = time.Now().UTC()
	if raw := getEnv("BACKFILL_TO", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, fmt.Errorf("BACKFILL_TO: %w", err)
		}
		to = t.UTC()
	}
	return from, to, nil
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() (*AppConfig, error) {
	_ = godotenv.Load() // Ignore error - .env is optional

	symbols, err := parseSymbols(getEnv("SYMBOLS", "BTCUSDT"))
	if err != nil {
		return nil, err
	}
	intervals, err := parseIntervals(getEnv("INTERVALS", "1m"))
	if err != nil {
		return nil, err
	}
	from, to, err := getBackfillWindow()
	if err != nil {
		return nil, err
	}

	return &AppConfig{
		DBDSN:     getDatabaseDSN(),
		Symbols:   symbols,
		Intervals: intervals,
		Stream: StreamConfig{
			URL:                 getEnv("STREAM_URL", binance.DefaultStreamURL),
			PingIntervalSeconds: getEnvInt("STREAM_PING_INTERVAL_SECONDS", 30),
			MaxReconnectSeconds: getEnvInt("STREAM_MAX_RECONNECT_SECONDS", 30),
		},
		Backfill: BackfillConfig{
			RESTBaseURL:       getEnv("REST_BASE_URL", ""),
			From:              from,
			To:                to,
			RunOnStart:        getEnv("BACKFILL_ON_START", "") == "true",
			PageDelayMs:       getEnvInt("BACKFILL_PAGE_DELAY_MS", 500),
			RequestsPerSecond: getEnvFloat("BACKFILL_REQUESTS_PER_SECOND", 2),
		},
		Kafka: KafkaConfig{
			Broker: getEnv("KAFKA_BROKER", ""),
			Topic:  getEnv("KAFKA_TOPIC", "klined_closed_candles"),
		},
		HealthAddr: getEnv("HEALTH_ADDR", ":8080"),
	}, nil
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
