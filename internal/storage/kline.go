package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"klined/internal/models"
)

// Querier is the subset of pgxpool.Pool the store needs. Kept as an
// interface so tests can substitute a fake connection.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// NewPool opens a pgx connection pool against the kline database and
// verifies connectivity. Decimal columns are scanned straight into
// shopspring decimals via the registered codec.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// KlineStore persists candles into the time-partitioned kline table.
type KlineStore struct {
	db Querier
}

// NewKlineStore creates a store on top of an open connection pool.
func NewKlineStore(db Querier) *KlineStore {
	return &KlineStore{db: db}
}

// upsertKlineSQL resolves the key conflict inside the statement. The WHERE
// guard makes refinement monotonic on last_trade_id: a write carrying older
// trade coverage than the stored row updates nothing and comes back as
// Skipped, so a late backfill entry can never regress a bucket already
// refined by the live stream. (xmax = 0) distinguishes insert from update.
const upsertKlineSQL = `
INSERT INTO kline (
	start_time, end_time, symbol, interval, first_trade_id, last_trade_id,
	open, high, low, close, volume, trade_count, quote_volume, closed
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (start_time, symbol, interval) DO UPDATE
SET
	end_time = EXCLUDED.end_time,
	first_trade_id = EXCLUDED.first_trade_id,
	last_trade_id = EXCLUDED.last_trade_id,
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	trade_count = EXCLUDED.trade_count,
	quote_volume = EXCLUDED.quote_volume,
	closed = EXCLUDED.closed,
	updated_at = now()
WHERE kline.last_trade_id <= EXCLUDED.last_trade_id
RETURNING created_at, updated_at, (xmax = 0) AS inserted
`

// Upsert writes one candle atomically and reports whether the row was
// inserted, updated, or skipped as stale.
func (s *KlineStore) Upsert(ctx context.Context, c *models.Candle) (Result, error) {
	var (
		createdAt time.Time
		updatedAt time.Time
		inserted  bool
	)
	err := s.db.QueryRow(ctx, upsertKlineSQL,
		c.StartTime, c.EndTime, c.Symbol, c.Interval.String(),
		c.FirstTradeID, c.LastTradeID,
		c.Open, c.High, c.Low, c.Close, c.Volume,
		c.TradeCount, c.QuoteVolume, c.Closed,
	).Scan(&createdAt, &updatedAt, &inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// DO UPDATE guard rejected the write: stored row is newer.
			return Result{Outcome: OutcomeSkipped, Candle: c}, nil
		}
		return Result{}, classifyError(err)
	}

	stored := *c
	stored.CreatedAt = createdAt
	stored.UpdatedAt = updatedAt
	outcome := OutcomeUpdated
	if inserted {
		outcome = OutcomeInserted
	}
	return Result{Outcome: outcome, Candle: &stored}, nil
}

// classifyError maps driver failures onto the store error taxonomy.
// Integrity violations (SQLSTATE class 23) are permanent for the row;
// everything else is treated as transient connectivity.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		// Class 23 = integrity constraint, class 22 = data exception.
		// Both are permanent for this row.
		if pgErr.Code[:2] == "23" || pgErr.Code[:2] == "22" {
			return fmt.Errorf("%w: %s (%s)", ErrConstraintViolation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
