package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// postgresDialect carries the PostgreSQL-specific DDL.
type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS symbols (
			id BIGSERIAL PRIMARY KEY,
			exchange_id BIGINT NOT NULL REFERENCES exchanges(id),
			symbol TEXT NOT NULL,
			base_currency TEXT NOT NULL,
			quote_currency TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			price_step TEXT NOT NULL DEFAULT '',
			min_volume TEXT NOT NULL DEFAULT '',
			UNIQUE (exchange_id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS candles (
			exchange_id BIGINT NOT NULL,
			symbol_id BIGINT NOT NULL,
			timeframe TEXT NOT NULL,
			bucket_ts TIMESTAMPTZ NOT NULL,
			open DECIMAL(30,10) NOT NULL,
			high DECIMAL(30,10) NOT NULL,
			low DECIMAL(30,10) NOT NULL,
			close DECIMAL(30,10) NOT NULL,
			volume DECIMAL(30,10) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (exchange_id, symbol_id, timeframe, bucket_ts)
		)`,
		`CREATE TABLE IF NOT EXISTS gaps (
			id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tickers (
			exchange_id BIGINT NOT NULL,
			symbol_id BIGINT NOT NULL,
			last_price DECIMAL(30,10) NOT NULL,
			bid_price DECIMAL(30,10) NOT NULL,
			ask_price DECIMAL(30,10) NOT NULL,
			high_24h DECIMAL(30,10) NOT NULL,
			low_24h DECIMAL(30,10) NOT NULL,
			open_24h DECIMAL(30,10) NOT NULL,
			volume_24h DECIMAL(30,10) NOT NULL,
			price_change_24h DECIMAL(30,10) NOT NULL,
			price_change_percent_24h DECIMAL(30,10) NOT NULL,
			snapshot_ts TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (exchange_id, symbol_id, snapshot_ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_bucket_ts ON candles (bucket_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_gaps_pair_timeframe ON gaps (pair, timeframe)`,
	}
}

// NewPostgresStore opens a PostgreSQL-backed store from a connection URL.
func NewPostgresStore(databaseURL string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open postgres database: %w", err))
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newSQLStore(db, postgresDialect{}, logger), nil
}
