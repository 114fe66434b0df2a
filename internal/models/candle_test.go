package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCandle() Candle {
	return Candle{
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Open:      "50000.00",
		High:      "50500.00",
		Low:       "49800.00",
		Close:     "50250.00",
		Volume:    "123.456",
		Pair:      "BTC/USDT",
		Timeframe: "1h",
	}
}

func TestCandleValidate(t *testing.T) {
	t.Run("valid candle passes", func(t *testing.T) {
		c := validCandle()
		assert.NoError(t, c.Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Candle)
		field  string
	}{
		{"zero timestamp", func(c *Candle) { c.Timestamp = time.Time{} }, "timestamp"},
		{"malformed open", func(c *Candle) { c.Open = "not-a-number" }, "open"},
		{"malformed volume", func(c *Candle) { c.Volume = "12.3.4" }, "volume"},
		{"zero open", func(c *Candle) { c.Open = "0" }, "open"},
		{"negative close", func(c *Candle) { c.Close = "-1" }, "close"},
		{"negative low", func(c *Candle) { c.Low = "-1" }, "low"},
		{"negative volume", func(c *Candle) { c.Volume = "-0.5" }, "volume"},
		{"high below close", func(c *Candle) { c.High = "50000.00" }, "high"},
		{"low above open", func(c *Candle) { c.Low = "50100.00" }, "low"},
		{"empty pair", func(c *Candle) { c.Pair = "" }, "pair"},
		{"empty timeframe", func(c *Candle) { c.Timeframe = "" }, "timeframe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandle()
			tt.mutate(&c)

			err := c.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCandleDecimalAccessors(t *testing.T) {
	c := validCandle()

	open, err := c.OpenDecimal()
	require.NoError(t, err)
	assert.Equal(t, "50000", open.String())

	volume, err := c.VolumeDecimal()
	require.NoError(t, err)
	assert.Equal(t, "123.456", volume.String())
}

func TestNewCandle(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	c, err := NewCandle(ts, "100.5", "101.0", "100.0", "100.75", "1000.5", "BTC/USDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, ts, c.Timestamp)
	assert.Equal(t, "BTC/USDT", c.Pair)

	_, err = NewCandle(ts, "0", "101.0", "100.0", "100.75", "1000.5", "BTC/USDT", "1m")
	assert.Error(t, err)
}

func TestObservedRange(t *testing.T) {
	var r ObservedRange
	assert.True(t, r.Empty())

	base := time.UnixMilli(1000).UTC()
	r.Observe(base)
	r.Observe(base.Add(-time.Second))
	r.Observe(base.Add(time.Minute))
	r.Observe(base) // duplicate must not shrink the range

	require.False(t, r.Empty())
	min, max := r.Bounds()
	assert.Equal(t, base.Add(-time.Second), min)
	assert.Equal(t, base.Add(time.Minute), max)
}

func TestNewGap(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	g, err := NewGap("BTC/USDT", Timeframe1h, start, start.Add(24*time.Hour), "page fetch failed")
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, 24*time.Hour, g.Duration())

	_, err = NewGap("BTC/USDT", Timeframe1h, start, start, "empty range")
	assert.Error(t, err)
}

func TestTickerValidate(t *testing.T) {
	tk := Ticker{
		Pair:          "ETH/USDT",
		LastPrice:     "3500.10",
		BidPrice:      "3500.00",
		AskPrice:      "3500.20",
		High24h:       "3600.00",
		Low24h:        "3400.00",
		Open24h:       "3450.00",
		Volume24h:     "98765.4321",
		PriceChange:   "50.10",
		ChangePercent: "1.45",
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, tk.Validate())

	tk.AskPrice = "n/a"
	err := tk.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ask_price", verr.Field)
}
