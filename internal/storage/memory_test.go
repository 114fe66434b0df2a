package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mleone/go-ohlcv-ingest/internal/models"
)

func seedIdentity(t *testing.T, m *MemoryStore) models.SymbolIdentity {
	t.Helper()
	ctx := context.Background()

	exchangeID, err := m.UpsertExchange(ctx, "binance")
	require.NoError(t, err)

	_, err = m.UpsertSymbol(ctx, exchangeID, models.TradingPair{
		Symbol: "BTC/USDT", BaseAsset: "BTC", QuoteAsset: "USDT", Active: true,
	})
	require.NoError(t, err)

	id, err := m.Resolve(ctx, "binance", "BTC/USDT")
	require.NoError(t, err)
	return *id
}

func candleAt(ts time.Time) models.Candle {
	return models.Candle{
		Timestamp: ts,
		Open:      "100", High: "110", Low: "90", Close: "105", Volume: "1",
		Pair: "BTC/USDT", Timeframe: "1h",
	}
}

func TestMemoryStoreCommitAndExists(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id := seedIdentity(t, m)

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	exists, err := m.Exists(ctx, id, models.Timeframe1h, ts)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, m.CommitBatch(ctx, id, []models.Candle{candleAt(ts)}))

	exists, err = m.Exists(ctx, id, models.Timeframe1h, ts)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, m.CandleCount())
}

func TestMemoryStoreNaturalKeyUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id := seedIdentity(t, m)

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	batch := []models.Candle{candleAt(ts), candleAt(ts.Add(time.Hour))}

	require.NoError(t, m.CommitBatch(ctx, id, batch))
	require.NoError(t, m.CommitBatch(ctx, id, batch)) // replayed batch
	assert.Equal(t, 2, m.CandleCount())
}

func TestMemoryStoreLatestTimestamp(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id := seedIdentity(t, m)

	_, ok, err := m.LatestTimestamp(ctx, id, models.Timeframe1h)
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.CommitBatch(ctx, id, []models.Candle{
		candleAt(base), candleAt(base.Add(2 * time.Hour)), candleAt(base.Add(time.Hour)),
	}))

	latest, ok, err := m.LatestTimestamp(ctx, id, models.Timeframe1h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Hour), latest)
}

func TestMemoryStoreResolveUnknown(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.Resolve(ctx, "binance", "BTC/USDT")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	seedIdentity(t, m)

	_, err = m.Resolve(ctx, "binance", "DOGE/USDT")
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	_, err = m.Resolve(ctx, "kraken", "BTC/USDT")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestMemoryStoreUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first, err := m.UpsertExchange(ctx, "binance")
	require.NoError(t, err)
	second, err := m.UpsertExchange(ctx, "binance")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	pair := models.TradingPair{
		Symbol: "ETH/USDT", BaseAsset: "ETH", QuoteAsset: "USDT", Active: true,
		PriceStep: "0.01", MinVolume: "0.0001",
	}
	symFirst, err := m.UpsertSymbol(ctx, first, pair)
	require.NoError(t, err)

	pair.Active = false
	pair.PriceStep = "0.10"
	pair.MinVolume = "0.001"
	symSecond, err := m.UpsertSymbol(ctx, first, pair)
	require.NoError(t, err)
	assert.Equal(t, symFirst, symSecond)

	stored, ok := m.StoredPair("binance", "ETH/USDT")
	require.True(t, ok)
	assert.False(t, stored.Active)
	assert.Equal(t, "0.10", stored.PriceStep)
	assert.Equal(t, "0.001", stored.MinVolume)
}

func TestMemoryStoreGapsAndTickers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id := seedIdentity(t, m)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	gap, err := models.NewGap("BTC/USDT", models.Timeframe1h, start, start.Add(24*time.Hour), "fetch failed")
	require.NoError(t, err)
	require.NoError(t, m.StoreGap(ctx, *gap))
	require.Len(t, m.Gaps(), 1)

	listed, err := m.ListGaps(ctx, "BTC/USDT", models.Timeframe1h)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, gap.ID, listed[0].ID)

	other, err := m.ListGaps(ctx, "ETH/USDT", models.Timeframe1h)
	require.NoError(t, err)
	assert.Empty(t, other)

	ticker := models.Ticker{
		Pair: "BTC/USDT", LastPrice: "1", BidPrice: "1", AskPrice: "1",
		High24h: "1", Low24h: "1", Open24h: "1", Volume24h: "1",
		PriceChange: "0", ChangePercent: "0", Timestamp: time.Now().UTC(),
	}
	require.NoError(t, m.StoreTicker(ctx, id, ticker))
	assert.Len(t, m.Tickers(), 1)
}

func TestMemoryStoreRejectsInvalidCandle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id := seedIdentity(t, m)

	bad := candleAt(time.Now().UTC())
	bad.Open = "zero"
	err := m.CommitBatch(ctx, id, []models.Candle{bad})
	require.Error(t, err)

	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "insert", serr.Operation)
	assert.Equal(t, 0, m.CandleCount())
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	id := seedIdentity(t, m)

	require.NoError(t, m.Close())
	assert.Error(t, m.HealthCheck(ctx))
	assert.Error(t, m.CommitBatch(ctx, id, []models.Candle{candleAt(time.Now().UTC())}))
}
