// Package storage defines the persistence contracts for candle ingestion
// and provides SQL (PostgreSQL, DuckDB) and in-memory implementations.
// Candles are keyed by the natural key (exchange, symbol, timeframe,
// timestamp); no store may ever hold two rows with the same key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mleone/go-ohlcv-ingest/internal/models"
)

// ErrSymbolNotFound is returned by Resolve when no symbol row matches the
// requested (exchange, pair). Callers treat it as fatal: markets must be
// synchronized before a backfill can run.
var ErrSymbolNotFound = errors.New("symbol not found")

// CandleStore is the write path the backfill engine depends on.
type CandleStore interface {
	// Exists reports whether a candle with the given natural key is
	// already committed.
	Exists(ctx context.Context, id models.SymbolIdentity, timeframe models.Timeframe, ts time.Time) (bool, error)

	// CommitBatch persists the staged candles in one atomic transaction.
	// Rows whose natural key already exists are silently dropped rather
	// than duplicated, so a replayed batch is harmless.
	CommitBatch(ctx context.Context, id models.SymbolIdentity, candles []models.Candle) error

	// LatestTimestamp returns the newest committed candle timestamp for
	// the identity and timeframe; ok is false when none exist. Used to
	// re-derive a resume point across runs, since the engine itself keeps
	// no cross-invocation state.
	LatestTimestamp(ctx context.Context, id models.SymbolIdentity, timeframe models.Timeframe) (ts time.Time, ok bool, err error)

	// StoreGap records a range the engine skipped after a page failure.
	StoreGap(ctx context.Context, gap models.Gap) error

	// ListGaps returns the recorded gap markers for a pair and timeframe,
	// oldest first.
	ListGaps(ctx context.Context, pair string, timeframe models.Timeframe) ([]models.Gap, error)

	// StoreTicker persists a 24h market snapshot.
	StoreTicker(ctx context.Context, id models.SymbolIdentity, ticker models.Ticker) error
}

// SymbolResolver maps a human trading-pair string to the identifiers the
// candle store is keyed by. Pure lookup; resolution failure means the
// markets were never synchronized for that exchange.
type SymbolResolver interface {
	Resolve(ctx context.Context, exchange, pair string) (*models.SymbolIdentity, error)
}

// MarketStore is the write path for market sync.
type MarketStore interface {
	// UpsertExchange creates the exchange row if missing and returns its id.
	UpsertExchange(ctx context.Context, name string) (int64, error)

	// UpsertSymbol creates or refreshes a symbol row and returns its id.
	UpsertSymbol(ctx context.Context, exchangeID int64, pair models.TradingPair) (int64, error)
}

// Manager covers storage lifecycle concerns.
type Manager interface {
	// Initialize creates the schema. Idempotent.
	Initialize(ctx context.Context) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend. The store must not be used afterwards.
	Close() error
}

// Store is the full persistence surface the ingestion pipeline consumes.
type Store interface {
	CandleStore
	SymbolResolver
	MarketStore
	Manager
}

// StorageError wraps a failed storage operation with its context.
type StorageError struct {
	Operation string
	Table     string
	Err       error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// NewInsertError creates a StorageError for insert failures.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// NewQueryError creates a StorageError for query failures.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}
