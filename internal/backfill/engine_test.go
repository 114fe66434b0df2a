package backfill

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mleone/go-ohlcv-ingest/internal/exchange"
	"github.com/mleone/go-ohlcv-ingest/internal/models"
	"github.com/mleone/go-ohlcv-ingest/internal/storage"
)

// pageScript is one scripted gateway response: a page or a failure.
type pageScript struct {
	candles []models.Candle
	err     error
}

// scriptedGateway serves a fixed sequence of pages and records every
// request it saw. Once the script is exhausted it keeps returning empty
// pages, which ends the run.
type scriptedGateway struct {
	pages   []pageScript
	calls   []exchange.PageRequest
	onFetch func(call int)
	pairs   []models.TradingPair
	ticker  *models.Ticker
}

func (g *scriptedGateway) FetchCandles(ctx context.Context, req exchange.PageRequest) ([]models.Candle, error) {
	call := len(g.calls)
	g.calls = append(g.calls, req)
	if g.onFetch != nil {
		defer g.onFetch(call)
	}
	if call >= len(g.pages) {
		return nil, nil
	}
	page := g.pages[call]
	return page.candles, page.err
}

func (g *scriptedGateway) ParseTime(value string) (time.Time, error) {
	return exchange.ParseTimeValue(value)
}

func (g *scriptedGateway) GetTradingPairs(ctx context.Context) ([]models.TradingPair, error) {
	return g.pairs, nil
}

func (g *scriptedGateway) FetchTicker(ctx context.Context, pair string) (*models.Ticker, error) {
	if g.ticker == nil {
		return nil, errors.New("no ticker scripted")
	}
	return g.ticker, nil
}

func (g *scriptedGateway) Name() string { return "binance" }

func (g *scriptedGateway) MinRequestInterval() time.Duration { return 0 }

func (g *scriptedGateway) MaxPageSize() int { return 1000 }

func (g *scriptedGateway) HealthCheck(ctx context.Context) error { return nil }

// recordingStore counts non-empty batch commits and can simulate a crash
// at a chosen commit.
type recordingStore struct {
	*storage.MemoryStore
	commits      int
	failAtCommit int // 1-based; 0 means never fail
}

func (s *recordingStore) CommitBatch(ctx context.Context, id models.SymbolIdentity, candles []models.Candle) error {
	s.commits++
	if s.failAtCommit != 0 && s.commits >= s.failAtCommit {
		return errors.New("simulated commit crash")
	}
	return s.MemoryStore.CommitBatch(ctx, id, candles)
}

func newTestStore(t *testing.T) *recordingStore {
	t.Helper()
	s := &recordingStore{MemoryStore: storage.NewMemoryStore()}
	ctx := context.Background()

	exchangeID, err := s.UpsertExchange(ctx, "binance")
	require.NoError(t, err)
	_, err = s.UpsertSymbol(ctx, exchangeID, models.TradingPair{
		Symbol: "BTC/USDT", BaseAsset: "BTC", QuoteAsset: "USDT", Active: true,
	})
	require.NoError(t, err)
	return s
}

func msCandle(ms int64) models.Candle {
	return models.Candle{
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      "100", High: "110", Low: "90", Close: "105", Volume: "1",
		Pair: "BTC/USDT", Timeframe: "1m",
	}
}

func msTimes(ms ...int64) []time.Time {
	out := make([]time.Time, len(ms))
	for i, m := range ms {
		out[i] = time.UnixMilli(m).UTC()
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = discardLogger()
	return cfg
}

func identityFor(t *testing.T, s storage.SymbolResolver) models.SymbolIdentity {
	t.Helper()
	id, err := s.Resolve(context.Background(), "binance", "BTC/USDT")
	require.NoError(t, err)
	return *id
}

func TestRunPagedFetchWithSkipAhead(t *testing.T) {
	// Two good pages around one failed page: four distinct candles land,
	// the failed range is recorded as a gap, and the run keeps going.
	store := newTestStore(t)
	gateway := &scriptedGateway{pages: []pageScript{
		{candles: []models.Candle{msCandle(0), msCandle(1)}},
		{err: errors.New("upstream 500")},
		{candles: []models.Candle{msCandle(2), msCandle(3)}},
		{}, // empty page ends the run
	}}

	engine := New(gateway, store, testConfig())
	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0", PageSize: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4), result.RecordsWritten)
	assert.Equal(t, time.UnixMilli(0).UTC(), result.ActualStart)
	assert.Equal(t, time.UnixMilli(3).UTC(), result.ActualEnd)

	id := identityFor(t, store)
	assert.Equal(t, msTimes(0, 1, 2, 3), store.Timestamps(id, models.Timeframe1m))

	gaps := store.Gaps()
	require.Len(t, gaps, 1)
	assert.Equal(t, time.UnixMilli(2).UTC(), gaps[0].StartTime)
	assert.Equal(t, time.UnixMilli(2).UTC().Add(24*time.Hour), gaps[0].EndTime)
	assert.Contains(t, gaps[0].Reason, "upstream 500")
}

func TestRunCursorAdvancesPastLastCandle(t *testing.T) {
	store := newTestStore(t)
	gateway := &scriptedGateway{pages: []pageScript{
		{candles: []models.Candle{msCandle(0), msCandle(1)}},
		{candles: []models.Candle{msCandle(2)}},
		{},
	}}

	engine := New(gateway, store, testConfig())
	_, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})
	require.NoError(t, err)

	require.Len(t, gateway.calls, 3)
	assert.Equal(t, time.UnixMilli(0).UTC(), gateway.calls[0].Since)
	assert.Equal(t, time.UnixMilli(2).UTC(), gateway.calls[1].Since)
	assert.Equal(t, time.UnixMilli(3).UTC(), gateway.calls[2].Since)
}

func TestRunIdempotentReplay(t *testing.T) {
	store := newTestStore(t)
	script := func() []pageScript {
		return []pageScript{
			{candles: []models.Candle{msCandle(0), msCandle(1)}},
			{candles: []models.Candle{msCandle(2), msCandle(3)}},
			{},
		}
	}

	first, err := New(&scriptedGateway{pages: script()}, store, testConfig()).
		Run(context.Background(), Request{Pair: "BTC/USDT", Timeframe: "1m", Start: "0"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), first.RecordsWritten)

	second, err := New(&scriptedGateway{pages: script()}, store, testConfig()).
		Run(context.Background(), Request{Pair: "BTC/USDT", Timeframe: "1m", Start: "0"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), second.RecordsWritten)
	assert.Equal(t, time.UnixMilli(0).UTC(), second.ActualStart)
	assert.Equal(t, time.UnixMilli(3).UTC(), second.ActualEnd)
	assert.Equal(t, 4, store.CandleCount())
}

func TestRunDeduplicatesOverlappingPages(t *testing.T) {
	// The exchange re-serves the tail of the previous page; the overlap is
	// observed for the range but staged only once.
	store := newTestStore(t)
	gateway := &scriptedGateway{pages: []pageScript{
		{candles: []models.Candle{msCandle(0), msCandle(1)}},
		{candles: []models.Candle{msCandle(1), msCandle(2)}},
		{},
	}}

	engine := New(gateway, store, testConfig())
	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.RecordsWritten)
	assert.Equal(t, 3, store.CandleCount())
	assert.Equal(t, time.UnixMilli(2).UTC(), result.ActualEnd)
}

func TestRunCommitCadence(t *testing.T) {
	// Five one-candle pages with a commit every two pages: commits after
	// pages 2 and 4, plus the final flush.
	store := newTestStore(t)
	gateway := &scriptedGateway{pages: []pageScript{
		{candles: []models.Candle{msCandle(0)}},
		{candles: []models.Candle{msCandle(1)}},
		{candles: []models.Candle{msCandle(2)}},
		{candles: []models.Candle{msCandle(3)}},
		{candles: []models.Candle{msCandle(4)}},
		{},
	}}

	cfg := testConfig()
	cfg.CommitEveryPages = 2
	engine := New(gateway, store, cfg)

	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, store.commits)
	assert.Equal(t, int64(5), result.RecordsWritten)
	assert.Equal(t, 5, store.CandleCount())
}

func TestRunCommitFailureAbortsButKeepsEarlierBatches(t *testing.T) {
	store := newTestStore(t)
	store.failAtCommit = 3
	gateway := &scriptedGateway{pages: []pageScript{
		{candles: []models.Candle{msCandle(0)}},
		{candles: []models.Candle{msCandle(1)}},
		{candles: []models.Candle{msCandle(2)}},
		{candles: []models.Candle{msCandle(3)}},
		{candles: []models.Candle{msCandle(4)}},
		{},
	}}

	cfg := testConfig()
	cfg.CommitEveryPages = 2
	engine := New(gateway, store, cfg)

	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "commit failed")

	// The first two batches were already durable when the third commit died.
	assert.Equal(t, 4, store.CandleCount())
}

func TestRunEndBoundTruncation(t *testing.T) {
	// The end bound is exclusive: the candle at the bound is dropped and
	// a following page entirely past the bound terminates the run.
	store := newTestStore(t)
	gateway := &scriptedGateway{pages: []pageScript{
		{candles: []models.Candle{msCandle(0), msCandle(1), msCandle(2), msCandle(3)}},
		{candles: []models.Candle{msCandle(4), msCandle(5)}},
	}}

	engine := New(gateway, store, testConfig())
	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0", End: "2",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.RecordsWritten)
	assert.Equal(t, time.UnixMilli(1).UTC(), result.ActualEnd)

	id := identityFor(t, store)
	assert.Equal(t, msTimes(0, 1), store.Timestamps(id, models.Timeframe1m))
}

func TestRunConsecutiveFailureCeiling(t *testing.T) {
	store := newTestStore(t)
	gateway := &scriptedGateway{pages: []pageScript{
		{err: errors.New("boom 1")},
		{err: errors.New("boom 2")},
		{err: errors.New("boom 3")},
	}}

	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3
	engine := New(gateway, store, cfg)

	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "3 consecutive page failures")

	// Each failed attempt skipped the cursor a day ahead and left a marker.
	require.Len(t, gateway.calls, 3)
	assert.Equal(t, time.UnixMilli(0).UTC(), gateway.calls[0].Since)
	assert.Equal(t, time.UnixMilli(0).UTC().Add(24*time.Hour), gateway.calls[1].Since)
	assert.Equal(t, time.UnixMilli(0).UTC().Add(48*time.Hour), gateway.calls[2].Since)
	assert.Len(t, store.Gaps(), 3)
}

func TestRunFailureCounterResetsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	gateway := &scriptedGateway{pages: []pageScript{
		{err: errors.New("flaky")},
		{candles: []models.Candle{msCandle(0)}},
		{err: errors.New("flaky")},
		{candles: []models.Candle{msCandle(1)}},
		{err: errors.New("flaky")},
		{candles: []models.Candle{msCandle(2)}},
		{},
	}}

	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	engine := New(gateway, store, cfg)

	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.RecordsWritten)
	assert.Len(t, store.Gaps(), 3)
}

func TestRunUnknownSymbolIsFatal(t *testing.T) {
	store := &recordingStore{MemoryStore: storage.NewMemoryStore()}
	engine := New(&scriptedGateway{}, store, testConfig())

	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, storage.ErrSymbolNotFound)
}

func TestRunInvalidTimeframe(t *testing.T) {
	store := newTestStore(t)
	engine := New(&scriptedGateway{}, store, testConfig())

	_, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "7m", Start: "0",
	})
	require.Error(t, err)
}

func TestRunPageSizeAboveGatewayMaximum(t *testing.T) {
	store := newTestStore(t)
	engine := New(&scriptedGateway{}, store, testConfig())

	_, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0", PageSize: 5000,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds gateway maximum")
}

func TestRunEmptyRangeResult(t *testing.T) {
	store := newTestStore(t)
	engine := New(&scriptedGateway{}, store, testConfig())

	before := time.Now().UTC()
	result, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.RecordsWritten)
	assert.Equal(t, result.ActualStart, result.ActualEnd)
	assert.WithinDuration(t, before, result.ActualStart, 5*time.Second)
	assert.Equal(t, 0, store.commits)
}

func TestRunResumeFromLatestStored(t *testing.T) {
	store := newTestStore(t)
	id := identityFor(t, store)
	require.NoError(t, store.MemoryStore.CommitBatch(context.Background(), id, []models.Candle{msCandle(100)}))

	gateway := &scriptedGateway{}
	engine := New(gateway, store, testConfig())

	_, err := engine.Run(context.Background(), Request{
		Pair: "BTC/USDT", Timeframe: "1m", Resume: true,
	})
	require.NoError(t, err)

	require.NotEmpty(t, gateway.calls)
	assert.Equal(t, time.UnixMilli(101).UTC(), gateway.calls[0].Since)
}

func TestRunCancellationFlushesStagedRows(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	gateway := &scriptedGateway{
		pages: []pageScript{
			{candles: []models.Candle{msCandle(0), msCandle(1)}},
			{candles: []models.Candle{msCandle(2)}},
		},
	}
	gateway.onFetch = func(call int) {
		if call == 0 {
			cancel()
		}
	}

	engine := New(gateway, store, testConfig())
	result, err := engine.Run(ctx, Request{
		Pair: "BTC/USDT", Timeframe: "1m", Start: "0",
	})

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, int64(2), result.RecordsWritten)
	assert.Equal(t, 2, store.CandleCount())
	assert.Len(t, gateway.calls, 1)
}

func TestSyncMarkets(t *testing.T) {
	store := &recordingStore{MemoryStore: storage.NewMemoryStore()}
	gateway := &scriptedGateway{pairs: []models.TradingPair{
		{Symbol: "BTC/USDT", BaseAsset: "BTC", QuoteAsset: "USDT", Active: true},
		{Symbol: "ETH/USDT", BaseAsset: "ETH", QuoteAsset: "USDT", Active: true},
		{Symbol: "OLD/USDT", BaseAsset: "OLD", QuoteAsset: "USDT", Active: false},
	}}

	engine := New(gateway, store, testConfig())
	synced, err := engine.SyncMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, synced)

	// Synced pairs are resolvable afterwards.
	_, err = store.Resolve(context.Background(), "binance", "ETH/USDT")
	assert.NoError(t, err)
}

func TestSnapshotTicker(t *testing.T) {
	store := newTestStore(t)
	gateway := &scriptedGateway{ticker: &models.Ticker{
		Pair: "BTC/USDT", LastPrice: "50000", BidPrice: "49999", AskPrice: "50001",
		High24h: "51000", Low24h: "49000", Open24h: "49500", Volume24h: "1200",
		PriceChange: "500", ChangePercent: "1.01", Timestamp: time.Now().UTC(),
	}}

	engine := New(gateway, store, testConfig())
	require.NoError(t, engine.SnapshotTicker(context.Background(), "BTC/USDT"))
	assert.Len(t, store.Tickers(), 1)

	// Unsynchronized pairs cannot be snapshotted.
	err := engine.SnapshotTicker(context.Background(), "DOGE/USDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrSymbolNotFound)
}
