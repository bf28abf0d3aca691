// Package storetest provides an in-memory Store with the same conflict
// semantics as the SQL implementation, for use in package tests.
package storetest

import (
	"context"
	"sync"
	"time"

	"klined/internal/models"
	"klined/internal/storage"
)

type key struct {
	start    int64
	symbol   string
	interval models.Interval
}

// MemStore is a map-backed storage.Store. It applies the same
// monotonic-merge-on-last_trade_id rule as the kline table upsert and can
// inject failures to exercise retry paths.
type MemStore struct {
	mu   sync.Mutex
	rows map[key]*models.Candle

	// FailNext makes the next n upserts return ErrStoreUnavailable.
	failNext int

	// Upserts counts every Upsert call, including failed ones.
	Upserts int
}

func New() *MemStore {
	return &MemStore{rows: make(map[key]*models.Candle)}
}

// FailNext makes the next n upserts fail with ErrStoreUnavailable.
func (m *MemStore) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *MemStore) Upsert(ctx context.Context, c *models.Candle) (storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return storage.Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Upserts++
	if m.failNext > 0 {
		m.failNext--
		return storage.Result{}, storage.ErrStoreUnavailable
	}

	k := key{start: c.StartTime.UnixMilli(), symbol: c.Symbol, interval: c.Interval}
	now := time.Now().UTC()

	existing, ok := m.rows[k]
	if !ok {
		stored := *c
		stored.CreatedAt = now
		stored.UpdatedAt = now
		m.rows[k] = &stored
		return storage.Result{Outcome: storage.OutcomeInserted, Candle: &stored}, nil
	}

	if existing.LastTradeID > c.LastTradeID {
		return storage.Result{Outcome: storage.OutcomeSkipped, Candle: c}, nil
	}

	stored := *c
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = now
	m.rows[k] = &stored
	return storage.Result{Outcome: storage.OutcomeUpdated, Candle: &stored}, nil
}

// Get returns the stored row for a key, or nil.
func (m *MemStore) Get(start time.Time, symbol string, interval models.Interval) *models.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[key{start: start.UnixMilli(), symbol: symbol, interval: interval}]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Len returns the number of distinct rows.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// All returns a copy of every stored row.
func (m *MemStore) All() []*models.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Candle, 0, len(m.rows))
	for _, c := range m.rows {
		cp := *c
		out = append(out, &cp)
	}
	return out
}
