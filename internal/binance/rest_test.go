package binance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klined/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFetchKlines(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		gotQuery = map[string]string{}
		for k, v := range r.URL.Query() {
			gotQuery[k] = v[0]
		}
		json.NewEncoder(w).Encode([][]any{
			{1704067200000, "42000.0", "42010.0", "41995.0", "42005.0", "12.3456",
				1704067259999, "518594.1", 51, "6.0", "252000.0", "0"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, quietLogger())
	from := time.UnixMilli(1704067200000).UTC()
	to := from.Add(time.Hour)

	entries, err := client.FetchKlines(context.Background(), "BTCUSDT", models.Interval1m, from, to, 500)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0], 12)

	assert.Equal(t, "BTCUSDT", gotQuery["symbol"])
	assert.Equal(t, "1m", gotQuery["interval"])
	assert.Equal(t, "1704067200000", gotQuery["startTime"])
	assert.Equal(t, "500", gotQuery["limit"])
}

func TestFetchKlinesClampsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, quietLogger())
	_, err := client.FetchKlines(context.Background(), "BTCUSDT", models.Interval1m, time.Now().Add(-time.Hour), time.Now(), 0)
	require.NoError(t, err)
}

func TestFetchKlinesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, quietLogger())
	_, err := client.FetchKlines(context.Background(), "BTCUSDT", models.Interval1m, time.Now().Add(-time.Hour), time.Now(), 100)
	require.Error(t, err)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, http.StatusTooManyRequests, rl.StatusCode)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestFetchKlinesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, quietLogger())
	_, err := client.FetchKlines(context.Background(), "BTCUSDT", models.Interval1m, time.Now().Add(-time.Hour), time.Now(), 100)
	require.Error(t, err)

	var rl *RateLimitError
	assert.False(t, errors.As(err, &rl))
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "btcusdt@kline_1m", StreamName("BTCUSDT", models.Interval1m))
	assert.Equal(t, "ethusdt@kline_4h", StreamName("ethusdt", models.Interval4h))
}

func TestSubscribeAck(t *testing.T) {
	raw := []byte(`{"result":null,"id":7}`)
	var ack SubscribeAck
	require.NoError(t, json.Unmarshal(raw, &ack))
	assert.True(t, ack.IsAckFor(7))
	assert.False(t, ack.IsAckFor(8))

	errResp := []byte(`{"result":{"code":2},"id":7}`)
	var bad SubscribeAck
	require.NoError(t, json.Unmarshal(errResp, &bad))
	assert.False(t, bad.IsAckFor(7))
}
