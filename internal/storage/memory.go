package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mleone/go-ohlcv-ingest/internal/models"
)

type candleKey struct {
	exchangeID int64
	symbolID   int64
	timeframe  string
	tsNanos    int64
}

type symbolRow struct {
	id     int64
	pair   models.TradingPair
	active bool
}

// MemoryStore is a thread-safe in-memory implementation of Store, used in
// tests and dry runs. It enforces the same natural-key uniqueness as the
// SQL backends.
type MemoryStore struct {
	mu sync.RWMutex

	exchanges      map[string]int64
	symbols        map[int64]map[string]*symbolRow
	nextExchangeID int64
	nextSymbolID   int64

	candles map[candleKey]models.Candle
	gaps    map[string]models.Gap
	tickers []models.Ticker

	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exchanges: make(map[string]int64),
		symbols:   make(map[int64]map[string]*symbolRow),
		candles:   make(map[candleKey]models.Candle),
		gaps:      make(map[string]models.Gap),
	}
}

// Initialize implements Manager.Initialize.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// HealthCheck implements Manager.HealthCheck.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("ping", "", errors.New("store is closed"))
	}
	return nil
}

// Close implements Manager.Close.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) key(id models.SymbolIdentity, timeframe string, ts time.Time) candleKey {
	return candleKey{
		exchangeID: id.ExchangeID,
		symbolID:   id.SymbolID,
		timeframe:  timeframe,
		tsNanos:    ts.UTC().UnixNano(),
	}
}

// Exists implements CandleStore.Exists.
func (m *MemoryStore) Exists(ctx context.Context, id models.SymbolIdentity, timeframe models.Timeframe, ts time.Time) (bool, error) {
	if ctx.Err() != nil {
		return false, NewQueryError("candles", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, NewQueryError("candles", errors.New("store is closed"))
	}

	_, ok := m.candles[m.key(id, string(timeframe), ts)]
	return ok, nil
}

// CommitBatch implements CandleStore.CommitBatch. The whole batch is
// applied under one lock acquisition, mirroring the SQL transaction.
func (m *MemoryStore) CommitBatch(ctx context.Context, id models.SymbolIdentity, candles []models.Candle) error {
	if ctx.Err() != nil {
		return NewInsertError("candles", ctx.Err())
	}
	if len(candles) == 0 {
		return nil
	}

	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return NewInsertError("candles", fmt.Errorf("invalid candle at index %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewInsertError("candles", errors.New("store is closed"))
	}

	for i := range candles {
		key := m.key(id, candles[i].Timeframe, candles[i].Timestamp)
		if _, ok := m.candles[key]; ok {
			continue // conflict on the natural key is dropped, not duplicated
		}
		m.candles[key] = candles[i]
	}

	return nil
}

// LatestTimestamp implements CandleStore.LatestTimestamp.
func (m *MemoryStore) LatestTimestamp(ctx context.Context, id models.SymbolIdentity, timeframe models.Timeframe) (time.Time, bool, error) {
	if ctx.Err() != nil {
		return time.Time{}, false, NewQueryError("candles", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	var found bool
	for key, candle := range m.candles {
		if key.exchangeID != id.ExchangeID || key.symbolID != id.SymbolID || key.timeframe != string(timeframe) {
			continue
		}
		if !found || candle.Timestamp.After(latest) {
			latest = candle.Timestamp
			found = true
		}
	}
	return latest, found, nil
}

// StoreGap implements CandleStore.StoreGap.
func (m *MemoryStore) StoreGap(ctx context.Context, gap models.Gap) error {
	if ctx.Err() != nil {
		return NewInsertError("gaps", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewInsertError("gaps", errors.New("store is closed"))
	}

	m.gaps[gap.ID] = gap
	return nil
}

// ListGaps implements CandleStore.ListGaps.
func (m *MemoryStore) ListGaps(ctx context.Context, pair string, timeframe models.Timeframe) ([]models.Gap, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("gaps", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Gap
	for _, gap := range m.gaps {
		if gap.Pair == pair && gap.Timeframe == string(timeframe) {
			out = append(out, gap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// StoreTicker implements CandleStore.StoreTicker.
func (m *MemoryStore) StoreTicker(ctx context.Context, id models.SymbolIdentity, ticker models.Ticker) error {
	if err := ticker.Validate(); err != nil {
		return NewInsertError("tickers", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewInsertError("tickers", errors.New("store is closed"))
	}

	m.tickers = append(m.tickers, ticker)
	return nil
}

// Resolve implements SymbolResolver.Resolve.
func (m *MemoryStore) Resolve(ctx context.Context, exchange, pair string) (*models.SymbolIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exchangeID, ok := m.exchanges[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrSymbolNotFound, pair, exchange)
	}

	row, ok := m.symbols[exchangeID][pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrSymbolNotFound, pair, exchange)
	}

	return &models.SymbolIdentity{
		ExchangeID: exchangeID,
		SymbolID:   row.id,
		Exchange:   exchange,
		Pair:       pair,
	}, nil
}

// UpsertExchange implements MarketStore.UpsertExchange.
func (m *MemoryStore) UpsertExchange(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, NewInsertError("exchanges", errors.New("store is closed"))
	}

	if id, ok := m.exchanges[name]; ok {
		return id, nil
	}

	m.nextExchangeID++
	m.exchanges[name] = m.nextExchangeID
	m.symbols[m.nextExchangeID] = make(map[string]*symbolRow)
	return m.nextExchangeID, nil
}

// UpsertSymbol implements MarketStore.UpsertSymbol.
func (m *MemoryStore) UpsertSymbol(ctx context.Context, exchangeID int64, pair models.TradingPair) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, NewInsertError("symbols", errors.New("store is closed"))
	}

	rows, ok := m.symbols[exchangeID]
	if !ok {
		return 0, NewInsertError("symbols", fmt.Errorf("unknown exchange id %d", exchangeID))
	}

	if row, ok := rows[pair.Symbol]; ok {
		row.active = pair.Active
		row.pair = pair
		return row.id, nil
	}

	m.nextSymbolID++
	rows[pair.Symbol] = &symbolRow{id: m.nextSymbolID, pair: pair, active: pair.Active}
	return m.nextSymbolID, nil
}

// Test and inspection helpers.

// CandleCount returns the number of stored candles.
func (m *MemoryStore) CandleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.candles)
}

// Timestamps returns the sorted timestamps stored for an identity and
// timeframe.
func (m *MemoryStore) Timestamps(id models.SymbolIdentity, timeframe models.Timeframe) []time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []time.Time
	for key, candle := range m.candles {
		if key.exchangeID == id.ExchangeID && key.symbolID == id.SymbolID && key.timeframe == string(timeframe) {
			out = append(out, candle.Timestamp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// StoredPair returns the trading pair metadata stored for a symbol.
func (m *MemoryStore) StoredPair(exchange, symbol string) (models.TradingPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exchangeID, ok := m.exchanges[exchange]
	if !ok {
		return models.TradingPair{}, false
	}
	row, ok := m.symbols[exchangeID][symbol]
	if !ok {
		return models.TradingPair{}, false
	}
	return row.pair, true
}

// Gaps returns all recorded gap markers.
func (m *MemoryStore) Gaps() []models.Gap {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Gap, 0, len(m.gaps))
	for _, gap := range m.gaps {
		out = append(out, gap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Tickers returns all stored ticker snapshots.
func (m *MemoryStore) Tickers() []models.Ticker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Ticker(nil), m.tickers...)
}
