// Package backfill walks the historical klines endpoint page by page and
// replays every entry through the upsert store. Because writes are
// idempotent and merge monotonically on trade id, an interrupted run can be
// restarted over the same window without harm.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"klined/internal/binance"
	"klined/internal/models"
	"klined/internal/storage"
)

// PageFetcher fetches one page of raw kline entries. *binance.Client
// satisfies it.
type PageFetcher interface {
	FetchKlines(ctx context.Context, symbol string, interval models.Interval, from, to time.Time, limit int) ([][]any, error)
}

// Config tunes paging and request pacing.
type Config struct {
	// PageLimit is the number of entries requested per page.
	PageLimit int
	// PageDelay is the pause between consecutive pages.
	PageDelay time.Duration
	// RequestsPerSecond caps outbound request rate.
	RequestsPerSecond float64
	// MaxPageRetries bounds retries of a single failing page before the
	// run is abandoned.
	MaxPageRetries int
}

// DefaultConfig returns pacing that stays well inside the exchange's
// request weight budget.
func DefaultConfig() Config {
	return Config{
		PageLimit:         binance.MaxKlinesLimit,
		PageDelay:         500 * time.Millisecond,
		RequestsPerSecond: 2,
		MaxPageRetries:    5,
	}
}

// defaultRateLimitWait applies when a 429 arrives without Retry-After.
const defaultRateLimitWait = 30 * time.Second

// Stats summarizes one reconcile run.
type Stats struct {
	Pages     int
	Fetched   int
	Inserted  int
	Updated   int
	Skipped   int
	Malformed int
}

// Reconciler replays a historical window into the store.
type Reconciler struct {
	cfg     Config
	fetcher PageFetcher
	store   storage.Store
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewReconciler creates a reconciler over the given fetcher and store.
func NewReconciler(cfg Config, fetcher PageFetcher, store storage.Store, logger *logrus.Logger) *Reconciler {
	if cfg.PageLimit <= 0 || cfg.PageLimit > binance.MaxKlinesLimit {
		cfg.PageLimit = binance.MaxKlinesLimit
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	return &Reconciler{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

// Reconcile fetches every closed candle with open time in [from, to) and
// upserts it. The cursor only advances after a page has been fully
// persisted, so a run that dies mid-page resumes cleanly when re-invoked.
func (r *Reconciler) Reconcile(ctx context.Context, symbol string, interval models.Interval, from, to time.Time) (Stats, error) {
	var stats Stats
	if !from.Before(to) {
		return stats, fmt.Errorf("backfill window is empty: from %s, to %s", from, to)
	}

	step := interval.Duration()
	cursor := from
	retries := 0

	for cursor.Before(to) {
		if err := r.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		entries, err := r.fetcher.FetchKlines(ctx, symbol, interval, cursor, to, r.cfg.PageLimit)
		if err != nil {
			var rl *binance.RateLimitError
			switch {
			case errors.As(err, &rl):
				wait := rl.RetryAfter
				if wait <= 0 {
					wait = defaultRateLimitWait
				}
				r.logger.WithFields(logrus.Fields{
					"symbol": symbol,
					"wait":   wait,
				}).Warn("rate limited, holding page")
				if err := sleepCtx(ctx, wait); err != nil {
					return stats, err
				}
				continue

			case ctx.Err() != nil:
				return stats, ctx.Err()

			default:
				retries++
				if retries > r.cfg.MaxPageRetries {
					return stats, fmt.Errorf("page at %s failed after %d retries: %w", cursor, r.cfg.MaxPageRetries, err)
				}
				r.logger.WithError(err).WithFields(logrus.Fields{
					"symbol":  symbol,
					"cursor":  cursor,
					"attempt": retries,
				}).Warn("page fetch failed, retrying")
				if err := sleepCtx(ctx, r.cfg.PageDelay*time.Duration(retries)); err != nil {
					return stats, err
				}
				continue
			}
		}
		retries = 0

		if len(entries) == 0 {
			break
		}

		lastStart := cursor
		for _, entry := range entries {
			c, err := models.CandleFromBackfillEntry(entry, symbol, interval)
			if err != nil {
				stats.Malformed++
				r.logger.WithError(err).WithField("symbol", symbol).Warn("skipping malformed history entry")
				continue
			}
			if !c.StartTime.Before(to) {
				// The endpoint filters on open time but the boundary is
				// inclusive there; ours is not.
				continue
			}

			res, err := storage.UpsertWithBackoff(ctx, r.store, c)
			if err != nil {
				return stats, fmt.Errorf("persist %s: %w", c.Key(), err)
			}
			switch res.Outcome {
			case storage.OutcomeInserted:
				stats.Inserted++
			case storage.OutcomeUpdated:
				stats.Updated++
			case storage.OutcomeSkipped:
				stats.Skipped++
			}
			stats.Fetched++
			lastStart = c.StartTime
		}

		stats.Pages++
		next := lastStart.Add(step)
		if !next.After(cursor) {
			// Every entry in the page was malformed or out of window.
			break
		}
		cursor = next

		r.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"cursor": cursor,
			"pages":  stats.Pages,
			"rows":   stats.Fetched,
		}).Debug("page persisted")

		if len(entries) < r.cfg.PageLimit {
			// Short page: the exchange has nothing further in the window.
			break
		}
		if err := sleepCtx(ctx, r.cfg.PageDelay); err != nil {
			return stats, err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"symbol":    symbol,
		"interval":  interval,
		"pages":     stats.Pages,
		"fetched":   stats.Fetched,
		"inserted":  stats.Inserted,
		"updated":   stats.Updated,
		"skipped":   stats.Skipped,
		"malformed": stats.Malformed,
	}).Info("backfill window complete")
	return stats, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
