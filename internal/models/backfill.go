package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Positional layout of one REST klines entry:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// tradeCount, takerBuyBase, takerBuyQuote, ignore]
const backfillEntryMinLen = 9

// CandleFromBackfillEntry converts one positional REST history entry into a
// Candle. It yields the same logical candle the stream path would produce
// for the same bucket, except the REST endpoint does not report trade ids,
// which stay zero. History entries always describe closed buckets.
func CandleFromBackfillEntry(entry []any, symbol string, interval Interval) (*Candle, error) {
	if len(entry) < backfillEntryMinLen {
		return nil, fmt.Errorf("%w: entry has %d fields, want at least %d", ErrMalformedPayload, len(entry), backfillEntryMinLen)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrMalformedPayload)
	}

	startMs, err := entryInt(entry[0], "openTime")
	if err != nil {
		return nil, err
	}
	endMs, err := entryInt(entry[6], "closeTime")
	if err != nil {
		return nil, err
	}
	start, end, err := normalizeBucket(startMs, endMs, interval)
	if err != nil {
		return nil, err
	}

	open, err := entryPrice(entry[1], "open")
	if err != nil {
		return nil, err
	}
	high, err := entryPrice(entry[2], "high")
	if err != nil {
		return nil, err
	}
	low, err := entryPrice(entry[3], "low")
	if err != nil {
		return nil, err
	}
	closePrice, err := entryPrice(entry[4], "close")
	if err != nil {
		return nil, err
	}
	volume, err := entryPrice(entry[5], "volume")
	if err != nil {
		return nil, err
	}
	quoteVolume, err := entryPrice(entry[7], "quoteVolume")
	if err != nil {
		return nil, err
	}
	tradeCount, err := entryInt(entry[8], "tradeCount")
	if err != nil {
		return nil, err
	}

	c := &Candle{
		StartTime:   start,
		EndTime:     end,
		Symbol:      symbol,
		Interval:    interval,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		TradeCount:  &tradeCount,
		QuoteVolume: &quoteVolume,
		Closed:      true,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// entryInt coerces a positional numeric field. The decoder hands numbers
// back as float64 or json.Number depending on configuration.
func entryInt(v any, field string) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: field %s: %v", ErrMalformedPayload, field, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: field %s is %T, want number", ErrMalformedPayload, field, v)
	}
}

func entryPrice(v any, field string) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: field %s is %T, want string", ErrMalformedPayload, field, v)
	}
	return parsePrice(field, s)
}
