// Package exchange defines the gateway contract the backfill engine
// consumes and provides the Binance implementation of it. Any exchange
// integration satisfying Gateway is usable by the engine without changes.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mleone/go-ohlcv-ingest/internal/models"
)

// PageRequest asks a gateway for one page of candles starting at Since
// (inclusive), in ascending timestamp order, at most Limit rows.
type PageRequest struct {
	Pair      string
	Timeframe models.Timeframe
	Since     time.Time
	Limit     int
}

// Validate checks the request before it reaches the wire.
func (r *PageRequest) Validate() error {
	if r.Pair == "" {
		return errors.New("pair is required")
	}
	if _, err := models.ParseTimeframe(string(r.Timeframe)); err != nil {
		return err
	}
	if r.Since.IsZero() {
		return errors.New("since timestamp is required")
	}
	if r.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", r.Limit)
	}
	return nil
}

// CandleFetcher retrieves one page of OHLCV data. Implementations return
// candles in ascending timestamp order with length <= Limit; an empty page
// means the requested range has caught up to the present.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, req PageRequest) ([]models.Candle, error)
}

// TimeParser converts a caller-supplied time string (ISO-8601 or epoch
// milliseconds) into the gateway's native timestamp.
type TimeParser interface {
	ParseTime(value string) (time.Time, error)
}

// PairProvider exposes market metadata for market sync.
type PairProvider interface {
	GetTradingPairs(ctx context.Context) ([]models.TradingPair, error)
}

// TickerFetcher retrieves a 24h market snapshot for one pair.
type TickerFetcher interface {
	FetchTicker(ctx context.Context, pair string) (*models.Ticker, error)
}

// Gateway combines everything the ingestion pipeline needs from an
// exchange. MinRequestInterval is the exchange's minimum inter-request
// delay; the engine sleeps at least that long between pages, and the
// gateway's own limiter additionally serializes concurrent callers.
type Gateway interface {
	CandleFetcher
	TimeParser
	PairProvider
	TickerFetcher

	// Name returns the exchange identifier used as the storage key.
	Name() string

	// MinRequestInterval returns the minimum delay between requests.
	MinRequestInterval() time.Duration

	// MaxPageSize returns the largest Limit a single fetch accepts.
	MaxPageSize() int

	HealthCheck(ctx context.Context) error
}

// ParseTimeValue implements the shared ISO-8601 / epoch-milliseconds
// parsing used by gateway adapters. Plain integers are read as epoch
// milliseconds; everything else must be RFC3339.
func ParseTimeValue(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}

	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}

	// Date-only form is common in CLI usage.
	if ts, err := time.Parse("2006-01-02", value); err == nil {
		return ts.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time value %q (want RFC3339 or epoch milliseconds)", value)
}
