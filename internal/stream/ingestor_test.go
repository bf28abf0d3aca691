package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klined/internal/binance"
	"klined/internal/models"
	"klined/internal/storage/storetest"
)

var bucketStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.SubscribeTimeout = 2 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.PingInterval = time.Hour
	cfg.InitialReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	return cfg
}

func klineFrame(start time.Time, closePrice string, lastTradeID int64, closed bool) []byte {
	return []byte(fmt.Sprintf(
		`{"stream":"btcusdt@kline_1m","data":{"e":"kline","s":"BTCUSDT","k":{`+
			`"t":%d,"T":%d,"s":"BTCUSDT","i":"1m","f":1,"L":%d,`+
			`"o":"100.0","c":%q,"h":"101.0","l":"99.0","v":"5.0","n":3,"x":%t,"q":"500.0"}}}`,
		start.UnixMilli(), start.UnixMilli()+59999, lastTradeID, closePrice, closed))
}

// ackSubscribe consumes the SUBSCRIBE frame and acknowledges it.
func ackSubscribe(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var req binance.SubscribeRequest
	require.NoError(t, json.Unmarshal(msg, &req))
	require.Equal(t, "SUBSCRIBE", req.Method)
	require.NotEmpty(t, req.Params)
	ack := fmt.Sprintf(`{"result":null,"id":%d}`, req.ID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ack)))
}

// streamServer hands each new connection to the next handler in sequence;
// extra connections get the last one.
func streamServer(t *testing.T, handlers ...func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		idx := count
		count++
		mu.Unlock()
		if idx >= len(handlers) {
			idx = len(handlers) - 1
		}
		handlers[idx](conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestIngestorStreamsCandlesIntoStore(t *testing.T) {
	srv := streamServer(t, func(conn *websocket.Conn) {
		ackSubscribe(t, conn)
		conn.WriteMessage(websocket.TextMessage, klineFrame(bucketStart, "100.5", 150, false))
		conn.WriteMessage(websocket.TextMessage, klineFrame(bucketStart, "100.7", 175, true))
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	})

	st := storetest.New()
	ing := NewIngestor(testConfig(wsURL(srv)), []Subscription{{Symbol: "BTCUSDT", Interval: models.Interval1m}}, st, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool {
		c := st.Get(bucketStart, "BTCUSDT", models.Interval1m)
		return c != nil && c.Closed
	})
	assert.Equal(t, StateStreaming, ing.State())

	// Both frames refined the same bucket.
	assert.Equal(t, 1, st.Len())
	c := st.Get(bucketStart, "BTCUSDT", models.Interval1m)
	assert.Equal(t, int64(175), c.LastTradeID)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, ing.State())
}

func TestIngestorReconnectsWithoutDuplicates(t *testing.T) {
	first := func(conn *websocket.Conn) {
		ackSubscribe(t, conn)
		conn.WriteMessage(websocket.TextMessage, klineFrame(bucketStart, "100.5", 150, true))
		// Drop the connection mid-stream.
	}
	second := func(conn *websocket.Conn) {
		ackSubscribe(t, conn)
		// The exchange replays the already-closed bucket, then moves on.
		conn.WriteMessage(websocket.TextMessage, klineFrame(bucketStart, "100.5", 150, true))
		conn.WriteMessage(websocket.TextMessage, klineFrame(bucketStart.Add(time.Minute), "100.9", 210, true))
		conn.ReadMessage()
	}
	srv := streamServer(t, first, second)

	st := storetest.New()
	ing := NewIngestor(testConfig(wsURL(srv)), []Subscription{{Symbol: "BTCUSDT", Interval: models.Interval1m}}, st, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		return st.Get(bucketStart.Add(time.Minute), "BTCUSDT", models.Interval1m) != nil
	})
	assert.Equal(t, StateStreaming, ing.State())

	// The replayed bucket merged into its existing row.
	assert.Equal(t, 2, st.Len())

	cancel()
	require.NoError(t, <-done)
}

func TestIngestorSkipsBadFramesAndKeepsStreaming(t *testing.T) {
	srv := streamServer(t, func(conn *websocket.Conn) {
		ackSubscribe(t, conn)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{"e":"kline","s":"BTCUSDT","k":{"t":1,"T":2,"s":"BTCUSDT","i":"1m","o":"bad","c":"1","h":"1","l":"1","v":"0","q":"0"}}}`))
		conn.WriteMessage(websocket.TextMessage, klineFrame(bucketStart, "100.5", 150, false))
		conn.ReadMessage()
	})

	st := storetest.New()
	ing := NewIngestor(testConfig(wsURL(srv)), []Subscription{{Symbol: "BTCUSDT", Interval: models.Interval1m}}, st, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool { return st.Len() == 1 })

	cancel()
	require.NoError(t, <-done)
}

type capturingPublisher struct {
	mu     sync.Mutex
	closed []*models.Candle
}

func (p *capturingPublisher) PublishClosed(_ context.Context, c *models.Candle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, c)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.closed)
}

func TestIngestorPublishesOnlyClosedCandles(t *testing.T) {
	srv := streamServer(t, func(conn *websocket.Conn) {
		ackSubscribe(t, conn)
		conn.WriteMessage(websocket.TextMessage, klineFrame(bucketStart, "100.4", 120, false))
		conn.WriteMessage(websocket.TextMessage, klineFrame(bucketStart, "100.5", 150, true))
		conn.ReadMessage()
	})

	st := storetest.New()
	pub := &capturingPublisher{}
	ing := NewIngestor(
		testConfig(wsURL(srv)),
		[]Subscription{{Symbol: "BTCUSDT", Interval: models.Interval1m}},
		st, quietLogger(), WithPublisher(pub),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	waitFor(t, 3*time.Second, func() bool { return pub.count() == 1 })

	pub.mu.Lock()
	published := pub.closed[0]
	pub.mu.Unlock()
	assert.True(t, published.Closed)
	assert.Equal(t, int64(150), published.LastTradeID)
	// The published candle carries the store-assigned timestamps.
	assert.False(t, published.CreatedAt.IsZero())

	cancel()
	require.NoError(t, <-done)
}

func TestIngestorRequiresSubscriptions(t *testing.T) {
	ing := NewIngestor(testConfig("ws://unused"), nil, storetest.New(), quietLogger())
	assert.Error(t, ing.Run(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "streaming", StateStreaming.String())
}
