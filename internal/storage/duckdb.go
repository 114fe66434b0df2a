package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// duckdbDialect carries the DuckDB-specific DDL. DuckDB has no SERIAL
// type, so surrogate ids come from explicit sequences.
type duckdbDialect struct{}

func (duckdbDialect) Name() string { return "duckdb" }

func (duckdbDialect) Schema() []string {
	return []string{
		`CREATE SEQUENCE IF NOT EXISTS exchanges_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS symbols_id_seq`,
		`CREATE TABLE IF NOT EXISTS exchanges (
			id BIGINT PRIMARY KEY DEFAULT nextval('exchanges_id_seq'),
			name VARCHAR NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
		)`,
		`CREATE TABLE IF NOT EXISTS symbols (
			id BIGINT PRIMARY KEY DEFAULT nextval('symbols_id_seq'),
			exchange_id BIGINT NOT NULL,
			symbol VARCHAR NOT NULL,
			base_currency VARCHAR NOT NULL,
			quote_currency VARCHAR NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			price_step VARCHAR NOT NULL DEFAULT '',
			min_volume VARCHAR NOT NULL DEFAULT '',
			UNIQUE (exchange_id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS candles (
			exchange_id BIGINT NOT NULL,
			symbol_id BIGINT NOT NULL,
			timeframe VARCHAR NOT NULL,
			bucket_ts TIMESTAMPTZ NOT NULL,
			open DECIMAL(30,10) NOT NULL,
			high DECIMAL(30,10) NOT NULL,
			low DECIMAL(30,10) NOT NULL,
			close DECIMAL(30,10) NOT NULL,
			volume DECIMAL(30,10) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
			PRIMARY KEY (exchange_id, symbol_id, timeframe, bucket_ts)
		)`,
		`CREATE TABLE IF NOT EXISTS gaps (
			id VARCHAR PRIMARY KEY,
			pair VARCHAR NOT NULL,
			timeframe VARCHAR NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			reason VARCHAR NOT NULL,
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
	}
}

// NewDuckDBStore opens a DuckDB-backed store. The path can be ":memory:"
// or a database file. DuckDB wants a single writer, so the pool is pinned
// to one connection.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open duckdb database: %w", err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newSQLStore(db, duckdbDialect{}, logger), nil
}
