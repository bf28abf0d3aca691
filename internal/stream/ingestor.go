// Package stream maintains the live kline subscription and forwards every
// parsed candle to the upsert store. Transport failures never escape this
// package; the ingestor reconnects with capped exponential backoff until
// its context is cancelled.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"klined/internal/binance"
	"klined/internal/models"
	"klined/internal/storage"
)

// State is the ingestor's connection state, exposed for health reporting.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Subscription names one (symbol, interval) kline feed.
type Subscription struct {
	Symbol   string
	Interval models.Interval
}

// Config holds connection timeouts and reconnect policy.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration

	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	MaxConsecutiveErrors  int
}

// DefaultConfig returns the production timeouts for a stream endpoint.
func DefaultConfig(url string) Config {
	return Config{
		URL:                   url,
		HandshakeTimeout:      5 * time.Second,
		SubscribeTimeout:      10 * time.Second,
		ReadTimeout:           60 * time.Second,
		WriteTimeout:          10 * time.Second,
		PingInterval:          30 * time.Second,
		PongTimeout:           10 * time.Second,
		InitialReconnectDelay: 1 * time.Second,
		MaxReconnectDelay:     30 * time.Second,
		MaxConsecutiveErrors:  5,
	}
}

const healthCheckInterval = 5 * time.Second

// CandlePublisher receives closed candles after they have been persisted.
type CandlePublisher interface {
	PublishClosed(ctx context.Context, c *models.Candle) error
}

// Ingestor owns one stream connection and its reconnect state. Create one
// per process; multiple subscriptions share the connection via the combined
// stream endpoint.
type Ingestor struct {
	cfg    Config
	subs   []Subscription
	store  storage.Store
	pub    CandlePublisher
	logger *logrus.Logger

	state atomic.Int32
	reqID atomic.Uint64
}

// Option configures optional ingestor collaborators.
type Option func(*Ingestor)

// WithPublisher attaches a closed-candle publisher.
func WithPublisher(pub CandlePublisher) Option {
	return func(in *Ingestor) {
		in.pub = pub
	}
}

// NewIngestor creates an ingestor for the given subscriptions.
func NewIngestor(cfg Config, subs []Subscription, store storage.Store, logger *logrus.Logger, opts ...Option) *Ingestor {
	in := &Ingestor{
		cfg:    cfg,
		subs:   subs,
		store:  store,
		logger: logger,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// State returns the current connection state.
func (in *Ingestor) State() State {
	return State(in.state.Load())
}

func (in *Ingestor) setState(s State) {
	in.state.Store(int32(s))
}

// Run drives the connect/subscribe/stream cycle until ctx is cancelled.
// It returns an error only for unrecoverable configuration problems;
// transport failures are absorbed by reconnecting.
func (in *Ingestor) Run(ctx context.Context) error {
	if len(in.subs) == 0 {
		return errors.New("stream ingestor: no subscriptions configured")
	}
	defer in.setState(StateDisconnected)

	delay := in.cfg.InitialReconnectDelay
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		subscribed, err := in.runConnection(ctx)
		in.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			// The session was established; start the next backoff cycle fresh.
			consecutive = 0
			delay = in.cfg.InitialReconnectDelay
		}

		consecutive++
		wait := withJitter(delay)
		if consecutive >= in.cfg.MaxConsecutiveErrors {
			wait = in.cfg.MaxReconnectDelay
		}
		in.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":   consecutive,
			"reconnect": wait,
		}).Warn("stream connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		delay *= 2
		if delay > in.cfg.MaxReconnectDelay {
			delay = in.cfg.MaxReconnectDelay
		}
	}
}

// runConnection handles one full connection lifecycle. The returned bool
// reports whether the subscription was acknowledged, so Run can reset its
// backoff even when the session later dies.
func (in *Ingestor) runConnection(ctx context.Context) (bool, error) {
	in.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: in.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, in.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	streams := make([]string, len(in.subs))
	for i, sub := range in.subs {
		streams[i] = binance.StreamName(sub.Symbol, sub.Interval)
	}
	reqID := in.reqID.Add(1)

	conn.SetWriteDeadline(time.Now().Add(in.cfg.WriteTimeout))
	if err := conn.WriteJSON(binance.NewSubscribeRequest(reqID, streams)); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	in.setState(StateSubscribed)

	// The ack must be the next frame; a timeout here counts as a connect
	// failure.
	conn.SetReadDeadline(time.Now().Add(in.cfg.SubscribeTimeout))
	_, ackMsg, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("subscription ack: %w", err)
	}
	var ack binance.SubscribeAck
	if err := json.Unmarshal(ackMsg, &ack); err != nil || !ack.IsAckFor(reqID) {
		return false, fmt.Errorf("unexpected subscription response: %s", ackMsg)
	}

	in.setState(StateStreaming)
	in.logger.WithField("streams", streams).Info("stream subscribed")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock any pending read when the context ends.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var lastPongNano atomic.Int64
	lastPongNano.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		lastPongNano.Store(time.Now().UnixNano())
		return nil
	})
	conn.SetPingHandler(func(message string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(in.cfg.WriteTimeout))
	})

	messages := make(chan []byte, 100)
	readErrs := make(chan error, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(in.cfg.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case readErrs <- err:
				case <-connCtx.Done():
				}
				return
			}
			select {
			case messages <- msg:
			case <-connCtx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(in.cfg.PingInterval)
	defer pingTicker.Stop()
	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil

		case err := <-readErrs:
			return true, fmt.Errorf("read: %w", err)

		case msg := <-messages:
			in.handleFrame(ctx, msg)

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(in.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return true, fmt.Errorf("ping: %w", err)
			}

		case <-healthTicker.C:
			sincePong := time.Since(time.Unix(0, lastPongNano.Load()))
			if sincePong > in.cfg.PingInterval+in.cfg.PongTimeout {
				return true, fmt.Errorf("heartbeat timeout, last pong %s ago", sincePong)
			}
		}
	}
}

// handleFrame normalizes one inbound frame and writes it through the store.
// A bad frame or a failed write only ever costs that single candle.
func (in *Ingestor) handleFrame(ctx context.Context, payload []byte) {
	c, err := models.CandleFromStreamEvent(payload)
	if err != nil {
		in.logger.WithError(err).Warn("skipping unusable stream message")
		return
	}

	res, err := storage.UpsertWithBackoff(ctx, in.store, c)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConstraintViolation):
			in.logger.WithError(err).WithField("candle", c.Key()).Error("store rejected candle")
		case ctx.Err() != nil:
		default:
			in.logger.WithError(err).WithField("candle", c.Key()).Error("dropping candle after exhausting store retries")
		}
		return
	}

	in.logger.WithFields(logrus.Fields{
		"candle":  c.Key(),
		"outcome": res.Outcome.String(),
		"closed":  c.Closed,
	}).Debug("candle persisted")

	if c.Closed && in.pub != nil {
		if err := in.pub.PublishClosed(ctx, res.Candle); err != nil {
			in.logger.WithError(err).WithField("candle", c.Key()).Warn("failed to publish closed candle")
		}
	}
}

// withJitter spreads reconnect attempts by up to 25% of the base delay so
// restarting fleets do not stampede the exchange.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
