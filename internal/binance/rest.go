// Package binance talks to the exchange's public market-data interfaces:
// the paged REST klines endpoint and the combined websocket kline stream.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"klined/internal/models"
)

const (
	// DefaultRESTBaseURL is the public spot REST endpoint.
	DefaultRESTBaseURL = "https://api.binance.com"

	// DefaultStreamURL is the combined websocket stream endpoint.
	DefaultStreamURL = "wss://stream.binance.com:9443/stream"

	// MaxKlinesLimit is the largest page the klines endpoint serves.
	MaxKlinesLimit = 1000

	defaultRequestTimeout = 10 * time.Second
)

// RateLimitError reports an HTTP 429/418 from the exchange. RetryAfter is
// the server-indicated wait, zero when the header was absent.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
}

// Client fetches historical klines over REST.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a REST client. An empty baseURL selects the public
// endpoint.
func NewClient(baseURL string, logger *logrus.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultRESTBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     logger,
	}
}

// FetchKlines requests one page of closed candles ordered by time ascending,
// starting at from (inclusive) and never past to. It returns the raw
// positional entries; conversion happens at the model boundary so malformed
// entries can be skipped one by one.
func (c *Client) FetchKlines(ctx context.Context, symbol string, interval models.Interval, from, to time.Time, limit int) ([][]any, error) {
	if limit <= 0 || limit > MaxKlinesLimit {
		limit = MaxKlinesLimit
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval.String())
	q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	reqURL := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return nil, &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("klines request failed: status %d", resp.StatusCode)
	}

	var entries [][]any
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}
	return entries, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
