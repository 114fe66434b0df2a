// Binance spot REST gateway. Uses the public market-data endpoints
// (klines, exchangeInfo, 24hr ticker) with rate limiting and retry.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mleone/go-ohlcv-ingest/internal/models"
)

const (
	binanceBaseURL = "https://api.binance.com"

	klinesEndpoint       = "/api/v3/klines"
	exchangeInfoEndpoint = "/api/v3/exchangeInfo"
	ticker24hEndpoint    = "/api/v3/ticker/24hr"
	pingEndpoint         = "/api/v3/ping"

	// Binance caps klines at 1000 rows per request.
	binanceMaxPageSize = 1000

	// Spot REST weight limits allow well above this; 50ms matches the
	// exchange-published minimum request spacing.
	defaultRequestInterval = 50 * time.Millisecond

	requestTimeout     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second

	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
	retryMultiplier   = 2.0
	retryJitter       = 0.5
)

// BinanceGateway implements the Gateway interface against the Binance spot
// REST API. A single limiter serializes the request budget across all
// callers sharing the instance, so concurrent backfills cannot starve each
// other of rate-limit headroom.
type BinanceGateway struct {
	httpClient      *http.Client
	rateLimiter     *rate.Limiter
	baseURL         string
	requestInterval time.Duration
	logger          *slog.Logger
}

// BinanceOption customizes a BinanceGateway.
type BinanceOption func(*BinanceGateway)

// WithBaseURL overrides the API endpoint, used by tests and mirrors.
func WithBaseURL(u string) BinanceOption {
	return func(g *BinanceGateway) { g.baseURL = u }
}

// WithRequestInterval overrides the minimum inter-request delay.
func WithRequestInterval(d time.Duration) BinanceOption {
	return func(g *BinanceGateway) {
		g.requestInterval = d
		g.rateLimiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) BinanceOption {
	return func(g *BinanceGateway) { g.logger = logger }
}

// WithHTTPTimeout overrides the per-request HTTP timeout.
func WithHTTPTimeout(d time.Duration) BinanceOption {
	return func(g *BinanceGateway) { g.httpClient.Timeout = d }
}

// NewBinanceGateway creates a Binance gateway with sane defaults.
func NewBinanceGateway(opts ...BinanceOption) *BinanceGateway {
	g := &BinanceGateway{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter:     rate.NewLimiter(rate.Every(defaultRequestInterval), 1),
		baseURL:         binanceBaseURL,
		requestInterval: defaultRequestInterval,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Name implements Gateway.Name.
func (g *BinanceGateway) Name() string { return "binance" }

// MinRequestInterval implements Gateway.MinRequestInterval.
func (g *BinanceGateway) MinRequestInterval() time.Duration { return g.requestInterval }

// MaxPageSize implements Gateway.MaxPageSize.
func (g *BinanceGateway) MaxPageSize() int { return binanceMaxPageSize }

// ParseTime implements Gateway.ParseTime.
func (g *BinanceGateway) ParseTime(value string) (time.Time, error) {
	return ParseTimeValue(value)
}

// FetchCandles implements Gateway.FetchCandles. The returned page is in
// ascending timestamp order, as Binance serves klines.
func (g *BinanceGateway) FetchCandles(ctx context.Context, req PageRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.Limit > binanceMaxPageSize {
		return nil, fmt.Errorf("limit %d exceeds binance maximum %d", req.Limit, binanceMaxPageSize)
	}

	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", flattenPair(req.Pair))
	params.Set("interval", string(req.Timeframe))
	params.Set("startTime", strconv.FormatInt(req.Since.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(req.Limit))

	body, err := g.makeRequestWithRetry(ctx, g.baseURL+klinesEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("klines request failed: %w", err)
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse klines response: %w", err)
	}

	candles := make([]models.Candle, 0, len(raw))
	for i, k := range raw {
		candle, err := parseKline(k, req.Pair, req.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("malformed kline at index %d: %w", i, err)
		}
		candles = append(candles, *candle)
	}

	g.logger.Debug("fetched klines",
		"pair", req.Pair,
		"timeframe", req.Timeframe,
		"since", req.Since,
		"count", len(candles))

	return candles, nil
}

// GetTradingPairs implements Gateway.GetTradingPairs.
func (g *BinanceGateway) GetTradingPairs(ctx context.Context) ([]models.TradingPair, error) {
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	body, err := g.makeRequestWithRetry(ctx, g.baseURL+exchangeInfoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("exchangeInfo request failed: %w", err)
	}

	var info struct {
		Symbols []binanceSymbol `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse exchangeInfo response: %w", err)
	}

	pairs := make([]models.TradingPair, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		pair := models.TradingPair{
			Symbol:     s.BaseAsset + "/" + s.QuoteAsset,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Active:     s.Status == "TRADING",
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				pair.PriceStep = f.TickSize
			case "LOT_SIZE":
				pair.MinVolume = f.MinQty
			}
		}
		pairs = append(pairs, pair)
	}

	g.logger.Debug("fetched trading pairs", "count", len(pairs))
	return pairs, nil
}

// FetchTicker implements Gateway.FetchTicker.
func (g *BinanceGateway) FetchTicker(ctx context.Context, pair string) (*models.Ticker, error) {
	if pair == "" {
		return nil, fmt.Errorf("pair is required")
	}

	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", flattenPair(pair))

	body, err := g.makeRequestWithRetry(ctx, g.baseURL+ticker24hEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("ticker request failed: %w", err)
	}

	var raw binanceTicker
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ticker response: %w", err)
	}

	ticker := &models.Ticker{
		Pair:          pair,
		LastPrice:     raw.LastPrice,
		BidPrice:      raw.BidPrice,
		AskPrice:      raw.AskPrice,
		High24h:       raw.HighPrice,
		Low24h:        raw.LowPrice,
		Open24h:       raw.OpenPrice,
		Volume24h:     raw.Volume,
		PriceChange:   raw.PriceChange,
		ChangePercent: raw.PriceChangePercent,
		Timestamp:     time.UnixMilli(raw.CloseTime).UTC(),
	}

	if err := ticker.Validate(); err != nil {
		return nil, fmt.Errorf("exchange returned invalid ticker: %w", err)
	}

	return ticker, nil
}

// HealthCheck implements Gateway.HealthCheck using the ping endpoint.
func (g *BinanceGateway) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, g.baseURL+pingEndpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	return nil
}

// makeRequestWithRetry performs a GET with exponential backoff. Rate-limit
// responses honor Retry-After; other 4xx responses are permanent, 5xx and
// transport errors retry.
func (g *BinanceGateway) makeRequestWithRetry(ctx context.Context, requestURL string) ([]byte, error) {
	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = initialRetryDelay
	backoffConfig.MaxInterval = maxRetryDelay
	backoffConfig.Multiplier = retryMultiplier
	backoffConfig.RandomizationFactor = retryJitter
	backoffConfig.MaxElapsedTime = 0 // rely on context for the overall bound

	var body []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "go-ohlcv-ingest/1.0")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			// 418 is Binance's IP-ban escalation of 429.
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if retryAfter > 0 {
				g.logger.Warn("rate limited by exchange", "retry_after", retryAfter)
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return fmt.Errorf("rate limited: status %d", resp.StatusCode)
		}

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, string(payload))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, string(payload)))
		}

		body = payload
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoffConfig, ctx)); err != nil {
		return nil, err
	}

	return body, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// flattenPair converts "BTC/USDT" to the wire symbol "BTCUSDT".
func flattenPair(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}

// parseKline converts one klines array entry into a validated candle.
// The wire format is [openTime, open, high, low, close, volume, ...].
func parseKline(k []json.RawMessage, pair string, timeframe models.Timeframe) (*models.Candle, error) {
	if len(k) < 6 {
		return nil, fmt.Errorf("kline has %d fields, want at least 6", len(k))
	}

	var openTime int64
	if err := json.Unmarshal(k[0], &openTime); err != nil {
		return nil, fmt.Errorf("invalid open time: %w", err)
	}

	fields := make([]string, 5)
	for i := 0; i < 5; i++ {
		if err := json.Unmarshal(k[i+1], &fields[i]); err != nil {
			return nil, fmt.Errorf("invalid field %d: %w", i+1, err)
		}
	}

	return models.NewCandle(
		time.UnixMilli(openTime).UTC(),
		fields[0], fields[1], fields[2], fields[3], fields[4],
		pair,
		string(timeframe),
	)
}

// Wire structures.

type binanceSymbol struct {
	Symbol     string          `json:"symbol"`
	Status     string          `json:"status"`
	BaseAsset  string          `json:"baseAsset"`
	QuoteAsset string          `json:"quoteAsset"`
	Filters    []binanceFilter `json:"filters"`
}

// binanceFilter carries the exchangeInfo filter fields this gateway reads:
// tickSize from PRICE_FILTER and minQty from LOT_SIZE.
type binanceFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	MinQty     string `json:"minQty"`
}

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	CloseTime          int64  `json:"closeTime"`
}
