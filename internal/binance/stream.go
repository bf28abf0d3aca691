package binance

import (
	"encoding/json"
	"strings"

	"klined/internal/models"
)

// StreamName renders the combined-stream subscription name for one
// (symbol, interval) pair, e.g. "btcusdt@kline_1m".
func StreamName(symbol string, interval models.Interval) string {
	return strings.ToLower(symbol) + "@kline_" + interval.String()
}

// SubscribeRequest is the frame sent to subscribe on an open connection.
type SubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// NewSubscribeRequest builds a SUBSCRIBE frame for the given stream names.
func NewSubscribeRequest(id uint64, streams []string) SubscribeRequest {
	return SubscribeRequest{Method: "SUBSCRIBE", Params: streams, ID: id}
}

// SubscribeAck is the exchange's response to a SubscribeRequest: a null
// result echoing the request id.
type SubscribeAck struct {
	Result json.RawMessage `json:"result"`
	ID     uint64          `json:"id"`
}

// IsAckFor reports whether the message acknowledges the given request id.
func (a SubscribeAck) IsAckFor(id uint64) bool {
	return a.ID == id && (len(a.Result) == 0 || string(a.Result) == "null")
}
