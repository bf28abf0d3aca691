package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// streamFrame is one message from the combined kline stream.
// Field tags follow the exchange wire format:
// https://developers.binance.com/docs/binance-spot-api-docs/web-socket-streams
type streamFrame struct {
	Stream string      `json:"stream"`
	Data   streamEvent `json:"data"`
}

type streamEvent struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Kline     streamKline `json:"k"`
}

type streamKline struct {
	StartTime    int64  `json:"t"`
	EndTime      int64  `json:"T"`
	Symbol       string `json:"s"`
	Interval     string `json:"i"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"L"`
	Open         string `json:"o"`
	Close        string `json:"c"`
	High         string `json:"h"`
	Low          string `json:"l"`
	Volume       string `json:"v"`
	TradeCount   int64  `json:"n"`
	IsFinal      bool   `json:"x"`
	QuoteVolume  string `json:"q"`
}

// CandleFromStreamEvent parses one combined-stream kline frame into a Candle.
// Shape problems return ErrMalformedPayload, value problems
// ErrInvariantViolation; in both cases the frame is safe to skip.
func CandleFromStreamEvent(payload []byte) (*Candle, error) {
	var frame streamFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if frame.Data.EventType != "kline" {
		return nil, fmt.Errorf("%w: unexpected event type %q", ErrMalformedPayload, frame.Data.EventType)
	}
	k := frame.Data.Kline
	if k.StartTime == 0 || k.EndTime == 0 || k.Symbol == "" || k.Interval == "" {
		return nil, fmt.Errorf("%w: missing kline fields", ErrMalformedPayload)
	}

	interval, err := ParseInterval(k.Interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	start, end, err := normalizeBucket(k.StartTime, k.EndTime, interval)
	if err != nil {
		return nil, err
	}

	open, err := parsePrice("o", k.Open)
	if err != nil {
		return nil, err
	}
	high, err := parsePrice("h", k.High)
	if err != nil {
		return nil, err
	}
	low, err := parsePrice("l", k.Low)
	if err != nil {
		return nil, err
	}
	closePrice, err := parsePrice("c", k.Close)
	if err != nil {
		return nil, err
	}
	volume, err := parsePrice("v", k.Volume)
	if err != nil {
		return nil, err
	}
	quoteVolume, err := parsePrice("q", k.QuoteVolume)
	if err != nil {
		return nil, err
	}

	tradeCount := k.TradeCount
	c := &Candle{
		StartTime:    start,
		EndTime:      end,
		Symbol:       strings.ToUpper(k.Symbol),
		Interval:     interval,
		FirstTradeID: k.FirstTradeID,
		LastTradeID:  k.LastTradeID,
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       volume,
		TradeCount:   &tradeCount,
		QuoteVolume:  &quoteVolume,
		Closed:       k.IsFinal,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
