// Package models defines the canonical in-memory candle representation.
// Both the live stream and the historical REST endpoint normalize into the
// same Candle, so everything downstream is source-agnostic.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedPayload marks a message or entry whose shape is unusable.
	// The single message is skipped; it never aborts a stream or a backfill run.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvariantViolation marks a structurally valid message whose values
	// break the candle invariants (price ordering, trade id ordering, bucket size).
	ErrInvariantViolation = errors.New("invariant violation")
)

// Candle is one OHLCV bucket of one symbol. Its identity is
// (StartTime, Symbol, Interval); everything else is a mutable refinement.
type Candle struct {
	StartTime time.Time
	EndTime   time.Time
	Symbol    string
	Interval  Interval

	FirstTradeID int64
	LastTradeID  int64

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal

	// Enrichment fields, present only when the source supplies them.
	TradeCount  *int64
	QuoteVolume *decimal.Decimal

	// Closed is the exchange's is-final flag: true once the bucket can no
	// longer change.
	Closed bool

	// Store-assigned timestamps; zero until the candle has been persisted.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key renders the identity triple for logging.
func (c *Candle) Key() string {
	return fmt.Sprintf("%s/%s@%s", c.Symbol, c.Interval, c.StartTime.UTC().Format(time.RFC3339))
}

// Validate enforces the candle invariants. Construction paths call this;
// callers receiving a Candle from either constructor can rely on it holding.
func (c *Candle) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrMalformedPayload)
	}
	if _, err := ParseInterval(string(c.Interval)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !c.EndTime.After(c.StartTime) {
		return fmt.Errorf("%w: end_time %s not after start_time %s", ErrInvariantViolation, c.EndTime, c.StartTime)
	}
	if got, want := c.EndTime.Sub(c.StartTime), c.Interval.Duration(); got != want {
		return fmt.Errorf("%w: bucket span %s does not match interval %s", ErrInvariantViolation, got, c.Interval)
	}
	if c.LastTradeID < c.FirstTradeID {
		return fmt.Errorf("%w: last_trade_id %d < first_trade_id %d", ErrInvariantViolation, c.LastTradeID, c.FirstTradeID)
	}
	if !c.Open.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() || !c.Close.IsPositive() {
		return fmt.Errorf("%w: non-positive price", ErrInvariantViolation)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("%w: negative volume", ErrInvariantViolation)
	}
	lowest := decimal.Min(c.Open, c.Close)
	highest := decimal.Max(c.Open, c.Close)
	if c.Low.GreaterThan(lowest) || c.High.LessThan(highest) {
		return fmt.Errorf("%w: price ordering low=%s open=%s close=%s high=%s",
			ErrInvariantViolation, c.Low, c.Open, c.Close, c.High)
	}
	return nil
}

// normalizeBucket converts exchange millisecond timestamps into the exact
// bucket [start, start+interval). Binance reports the close time as the last
// millisecond of the bucket (start+interval-1ms); both that and the exact end
// are accepted, anything else is an invariant violation.
func normalizeBucket(startMs, endMs int64, interval Interval) (time.Time, time.Time, error) {
	start := time.UnixMilli(startMs).UTC()
	end := start.Add(interval.Duration())
	rawEnd := time.UnixMilli(endMs).UTC()
	if !rawEnd.Equal(end) && !rawEnd.Equal(end.Add(-time.Millisecond)) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: close time %s outside bucket %s+%s",
			ErrInvariantViolation, rawEnd, start, interval)
	}
	return start, end, nil
}

func parsePrice(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: field %s: %v", ErrMalformedPayload, field, err)
	}
	return d, nil
}
