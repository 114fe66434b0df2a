package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is a 24-hour market snapshot for one trading pair. Like candles,
// all monetary fields are decimal strings.
type Ticker struct {
	Pair          string    `json:"pair" db:"pair"`
	LastPrice     string    `json:"last_price" db:"last_price"`
	BidPrice      string    `json:"bid_price" db:"bid_price"`
	AskPrice      string    `json:"ask_price" db:"ask_price"`
	High24h       string    `json:"high_24h" db:"high_24h"`
	Low24h        string    `json:"low_24h" db:"low_24h"`
	Open24h       string    `json:"open_24h" db:"open_24h"`
	Volume24h     string    `json:"volume_24h" db:"volume_24h"`
	PriceChange   string    `json:"price_change_24h" db:"price_change_24h"`
	ChangePercent string    `json:"price_change_percent_24h" db:"price_change_percent_24h"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// Validate checks that every monetary field parses as a decimal and the
// snapshot carries a pair and a timestamp.
func (t *Ticker) Validate() error {
	if t.Pair == "" {
		return &ValidationError{Field: "pair", Message: "pair cannot be empty"}
	}
	if t.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	fields := map[string]string{
		"last_price":               t.LastPrice,
		"bid_price":                t.BidPrice,
		"ask_price":                t.AskPrice,
		"high_24h":                 t.High24h,
		"low_24h":                  t.Low24h,
		"open_24h":                 t.Open24h,
		"volume_24h":               t.Volume24h,
		"price_change_24h":         t.PriceChange,
		"price_change_percent_24h": t.ChangePercent,
	}
	for name, value := range fields {
		if _, err := decimal.NewFromString(value); err != nil {
			return &ValidationError{Field: name, Message: "not a valid decimal: " + value}
		}
	}

	return nil
}

// TradingPair is exchange market metadata used by market sync to populate
// the symbols table ahead of any backfill.
type TradingPair struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Active     bool

	// Trading rules reported by the exchange: price tick size and minimum
	// order volume, decimal strings. Empty when the exchange omits them.
	PriceStep string
	MinVolume string
}
