// Package storage is the persistence boundary: one idempotent upsert per
// candle, keyed by (start_time, symbol, interval). Implementations must be
// safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"klined/internal/models"
)

var (
	// ErrStoreUnavailable is a transient persistence failure. Callers retry
	// it with bounded backoff; see UpsertWithBackoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConstraintViolation means the storage layer rejected the row
	// (check constraint, bad enum value). Fatal for that single candle:
	// log and skip, never retry.
	ErrConstraintViolation = errors.New("constraint violation")
)

// Outcome reports what an upsert did to the row.
type Outcome int

const (
	// OutcomeInserted means no row existed for the key.
	OutcomeInserted Outcome = iota + 1
	// OutcomeUpdated means an existing row was overwritten.
	OutcomeUpdated
	// OutcomeSkipped means the existing row already had newer trade
	// coverage and the write was discarded by the store.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result is the stored row after an accepted write, for verification and
// logging. Candle carries the store-assigned created_at/updated_at.
type Result struct {
	Outcome Outcome
	Candle  *models.Candle
}

// Store persists candles. Conflict resolution is store-internal: callers
// always pass the full candle and never pre-check for existence.
type Store interface {
	Upsert(ctx context.Context, c *models.Candle) (Result, error)
}

const (
	writeRetryBase  = 200 * time.Millisecond
	writeMaxRetries = 5
)

// UpsertWithBackoff performs a single upsert, retrying transient store
// failures with exponential backoff. Constraint violations and context
// cancellation are returned immediately. After the retry budget is spent
// the last ErrStoreUnavailable is returned and the caller must surface the
// candle as dropped.
func UpsertWithBackoff(ctx context.Context, st Store, c *models.Candle) (Result, error) {
	var res Result
	b := retry.WithMaxRetries(writeMaxRetries, retry.NewExponential(writeRetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		r, err := st.Upsert(ctx, c)
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	return res, err
}
