package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mleone/go-ohlcv-ingest/internal/models"
)

// dialect abstracts the DDL differences between the supported SQL
// backends. DML is shared: both PostgreSQL and DuckDB accept $N
// placeholders and ON CONFLICT clauses.
type dialect interface {
	// Name is the backend identifier used in logs.
	Name() string

	// Schema returns the ordered DDL statements creating the schema.
	// Every statement must be idempotent.
	Schema() []string
}

// SQLStore implements Store on top of database/sql. The same code path
// serves PostgreSQL (production) and DuckDB (embedded/analytical); only
// the schema DDL differs per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// newSQLStore wires a store around an open connection. Constructors in
// postgres.go and duckdb.go own driver-specific setup.
func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: d, logger: logger}
}

// Initialize implements Manager.Initialize.
func (s *SQLStore) Initialize(ctx context.Context) error {
	s.logger.Info("initializing storage", "backend", s.dialect.Name())

	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return NewStorageError("initialize", "", fmt.Errorf("schema statement failed: %w", err))
		}
	}

	return nil
}

// HealthCheck implements Manager.HealthCheck.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStorageError("ping", "", err)
	}
	return nil
}

// Close implements Manager.Close.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Exists implements CandleStore.Exists.
func (s *SQLStore) Exists(ctx context.Context, id models.SymbolIdentity, timeframe models.Timeframe, ts time.Time) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM candles
			WHERE exchange_id = $1 AND symbol_id = $2 AND timeframe = $3 AND bucket_ts = $4
		)`

	var exists bool
	err := s.db.QueryRowContext(ctx, query, id.ExchangeID, id.SymbolID, string(timeframe), ts.UTC()).Scan(&exists)
	if err != nil {
		return false, NewQueryError("candles", err)
	}
	return exists, nil
}

// CommitBatch implements CandleStore.CommitBatch. All staged candles go
// into one transaction; conflicting natural keys are dropped, never
// duplicated.
func (s *SQLStore) CommitBatch(ctx context.Context, id models.SymbolIdentity, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("candles", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO candles (exchange_id, symbol_id, timeframe, bucket_ts, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return NewInsertError("candles", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	for i := range candles {
		c := &candles[i]
		_, err := stmt.ExecContext(ctx,
			id.ExchangeID, id.SymbolID, c.Timeframe, c.Timestamp.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return NewInsertError("candles", fmt.Errorf("insert at index %d: %w", i, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("candles", fmt.Errorf("commit failed: %w", err))
	}

	s.logger.Debug("committed candle batch",
		"backend", s.dialect.Name(),
		"exchange_id", id.ExchangeID,
		"symbol_id", id.SymbolID,
		"count", len(candles))

	return nil
}

// LatestTimestamp implements CandleStore.LatestTimestamp.
func (s *SQLStore) LatestTimestamp(ctx context.Context, id models.SymbolIdentity, timeframe models.Timeframe) (time.Time, bool, error) {
	const query = `
		SELECT max(bucket_ts) FROM candles
		WHERE exchange_id = $1 AND symbol_id = $2 AND timeframe = $3`

	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id.ExchangeID, id.SymbolID, string(timeframe)).Scan(&latest)
	if err != nil {
		return time.Time{}, false, NewQueryError("candles", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// StoreGap implements CandleStore.StoreGap.
func (s *SQLStore) StoreGap(ctx context.Context, gap models.Gap) error {
	const insert = `
		INSERT INTO gaps (id, pair, timeframe, start_time, end_time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	_, err := s.db.ExecContext(ctx, insert,
		gap.ID, gap.Pair, gap.Timeframe,
		gap.StartTime.UTC(), gap.EndTime.UTC(), gap.Reason, gap.CreatedAt.UTC())
	if err != nil {
		return NewInsertError("gaps", err)
	}
	return nil
}

// ListGaps implements CandleStore.ListGaps.
func (s *SQLStore) ListGaps(ctx context.Context, pair string, timeframe models.Timeframe) ([]models.Gap, error) {
	const query = `
		SELECT id, pair, timeframe, start_time, end_time, reason, created_at
		FROM gaps
		WHERE pair = $1 AND timeframe = $2
		ORDER BY start_time`

	rows, err := s.db.QueryContext(ctx, query, pair, string(timeframe))
	if err != nil {
		return nil, NewQueryError("gaps", err)
	}
	defer rows.Close()

	var gaps []models.Gap
	for rows.Next() {
		var g models.Gap
		if err := rows.Scan(&g.ID, &g.Pair, &g.Timeframe, &g.StartTime, &g.EndTime, &g.Reason, &g.CreatedAt); err != nil {
			return nil, NewQueryError("gaps", err)
		}
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("gaps", err)
	}
	return gaps, nil
}

// StoreTicker implements CandleStore.StoreTicker.
func (s *SQLStore) StoreTicker(ctx context.Context, id models.SymbolIdentity, ticker models.Ticker) error {
	if err := ticker.Validate(); err != nil {
		return NewInsertError("tickers", err)
	}

	const insert = `
		INSERT INTO tickers (exchange_id, symbol_id, last_price, bid_price, ask_price,
			high_24h, low_24h, open_24h, volume_24h, price_change_24h, price_change_percent_24h, snapshot_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING`

	_, err := s.db.ExecContext(ctx, insert,
		id.ExchangeID, id.SymbolID,
		ticker.LastPrice, ticker.BidPrice, ticker.AskPrice,
		ticker.High24h, ticker.Low24h, ticker.Open24h,
		ticker.Volume24h, ticker.PriceChange, ticker.ChangePercent,
		ticker.Timestamp.UTC())
	if err != nil {
		return NewInsertError("tickers", err)
	}
	return nil
}

// Resolve implements SymbolResolver.Resolve.
func (s *SQLStore) Resolve(ctx context.Context, exchange, pair string) (*models.SymbolIdentity, error) {
	const query = `
		SELECT e.id, sy.id
		FROM symbols sy
		JOIN exchanges e ON e.id = sy.exchange_id
		WHERE e.name = $1 AND sy.symbol = $2`

	id := &models.SymbolIdentity{Exchange: exchange, Pair: pair}
	err := s.db.QueryRowContext(ctx, query, exchange, pair).Scan(&id.ExchangeID, &id.SymbolID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s on %s", ErrSymbolNotFound, pair, exchange)
	}
	if err != nil {
		return nil, NewQueryError("symbols", err)
	}
	return id, nil
}

// UpsertExchange implements MarketStore.UpsertExchange.
func (s *SQLStore) UpsertExchange(ctx context.Context, name string) (int64, error) {
	const insert = `INSERT INTO exchanges (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, name); err != nil {
		return 0, NewInsertError("exchanges", err)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM exchanges WHERE name = $1`, name).Scan(&id)
	if err != nil {
		return 0, NewQueryError("exchanges", err)
	}
	return id, nil
}

// UpsertSymbol implements MarketStore.UpsertSymbol.
func (s *SQLStore) UpsertSymbol(ctx context.Context, exchangeID int64, pair models.TradingPair) (int64, error) {
	const insert = `
		INSERT INTO symbols (exchange_id, symbol, base_currency, quote_currency, is_active, price_step, min_volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (exchange_id, symbol) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			price_step = EXCLUDED.price_step,
			min_volume = EXCLUDED.min_volume`

	_, err := s.db.ExecContext(ctx, insert,
		exchangeID, pair.Symbol, pair.BaseAsset, pair.QuoteAsset, pair.Active,
		pair.PriceStep, pair.MinVolume)
	if err != nil {
		return 0, NewInsertError("symbols", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM symbols WHERE exchange_id = $1 AND symbol = $2`,
		exchangeID, pair.Symbol).Scan(&id)
	if err != nil {
		return 0, NewQueryError("symbols", err)
	}
	return id, nil
}
