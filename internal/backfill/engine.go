// Package backfill implements the continuous backfill engine: it walks an
// exchange's paginated OHLCV API from a starting point to the present (or
// an end bound), deduplicates against the store, commits in bounded
// transactions, skips past per-page failures, and reports the processed
// range.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mleone/go-ohlcv-ingest/internal/exchange"
	"github.com/mleone/go-ohlcv-ingest/internal/models"
	"github.com/mleone/go-ohlcv-ingest/internal/storage"
)

const (
	// DefaultPageSize bounds candles per gateway call.
	DefaultPageSize = 1000

	// DefaultCommitEveryPages is the commit cadence. Committing every 10
	// pages bounds transaction size while keeping the blast radius of a
	// crash to at most 10 pages of uncommitted work.
	DefaultCommitEveryPages = 10

	// DefaultErrorSkip is how far the cursor is forced forward after a
	// page-level failure. Skipping a whole day trades completeness for
	// liveness; the skipped range is recorded as a gap marker.
	DefaultErrorSkip = 24 * time.Hour

	// DefaultMaxConsecutiveFailures aborts a run once this many pages
	// fail back to back.
	DefaultMaxConsecutiveFailures = 10

	// DefaultLookback is the start bound when the caller supplies none.
	DefaultLookback = 30 * 24 * time.Hour

	// cursorStep advances the cursor past the last candle of a page. One
	// millisecond is the exchange timestamp resolution, so the next page
	// can neither re-fetch the last candle nor skip one.
	cursorStep = time.Millisecond
)

// Config tunes the engine. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	PageSize               int
	CommitEveryPages       int
	ErrorSkip              time.Duration
	MaxConsecutiveFailures int
	Lookback               time.Duration
	Logger                 *slog.Logger
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		PageSize:               DefaultPageSize,
		CommitEveryPages:       DefaultCommitEveryPages,
		ErrorSkip:              DefaultErrorSkip,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		Lookback:               DefaultLookback,
		Logger:                 slog.Default(),
	}
}

// Request describes one backfill run. Start and End accept RFC3339 or
// epoch milliseconds; an empty Start means now minus the configured
// lookback, an empty End means run until the gateway is caught up to the
// present. Resume overrides Start with the timestamp after the newest
// candle already stored, when one exists.
type Request struct {
	Pair      string
	Timeframe string
	Start     string
	End       string
	PageSize  int
	Resume    bool
}

// Engine drives repeated page fetches for one (pair, timeframe) at a
// time. The loop is strictly sequential: pagination is ordered (each
// page's cursor depends on the previous page's last timestamp) and the
// exchange rate limit is a per-gateway ceiling. Multiple engines may share
// one gateway; its limiter serializes the shared budget.
type Engine struct {
	gateway exchange.Gateway
	store   storage.Store
	config  *Config
	logger  *slog.Logger
}

// New creates an Engine with the given collaborators.
func New(gateway exchange.Gateway, store storage.Store, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		gateway: gateway,
		store:   store,
		config:  config,
		logger:  logger,
	}
}

// pageResult is the explicit outcome of one page attempt: either a page of
// candles or a transient failure the loop will skip past.
type pageResult struct {
	candles []models.Candle
	err     error
}

// Run executes a backfill and returns its summary. It fails only when the
// symbol cannot be resolved, a commit fails, or too many consecutive pages
// fail; transient page errors are skipped past and recorded as gaps. On
// cancellation the in-flight page is finished, staged rows are flushed,
// and the partial result is returned together with ctx.Err().
func (e *Engine) Run(ctx context.Context, req Request) (*models.BackfillResult, error) {
	timeframe, err := models.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = e.config.PageSize
	}
	if max := e.gateway.MaxPageSize(); pageSize > max {
		return nil, fmt.Errorf("page size %d exceeds gateway maximum %d", pageSize, max)
	}

	// Resolution failure is fatal and never retried: it means markets
	// were not synchronized for this exchange.
	identity, err := e.store.Resolve(ctx, e.gateway.Name(), req.Pair)
	if err != nil {
		return nil, fmt.Errorf("symbol resolution failed: %w", err)
	}

	cursor, err := e.startCursor(ctx, req, *identity, timeframe)
	if err != nil {
		return nil, err
	}

	var end time.Time
	hasEnd := req.End != ""
	if hasEnd {
		if end, err = e.gateway.ParseTime(req.End); err != nil {
			return nil, fmt.Errorf("invalid end time: %w", err)
		}
	}

	e.logger.Info("starting backfill",
		"exchange", identity.Exchange,
		"pair", identity.Pair,
		"timeframe", timeframe,
		"start", cursor,
		"end", req.End,
		"page_size", pageSize)

	var (
		staged      []models.Candle
		stagedKeys  = make(map[int64]struct{})
		observed    models.ObservedRange
		written     int64
		batchIndex  int
		consecutive int
	)

	finish := func() *models.BackfillResult {
		result := &models.BackfillResult{RecordsWritten: written}
		if observed.Empty() {
			now := time.Now().UTC()
			result.ActualStart, result.ActualEnd = now, now
		} else {
			result.ActualStart, result.ActualEnd = observed.Bounds()
		}
		return result
	}

	for {
		// Cancellation checkpoint: an in-flight page always finishes and
		// its staged rows are flushed before the run stops.
		select {
		case <-ctx.Done():
			if flushErr := e.commit(context.WithoutCancel(ctx), *identity, staged, written); flushErr != nil {
				return nil, flushErr
			}
			return finish(), ctx.Err()
		default:
		}

		page := e.fetchPage(ctx, *identity, timeframe, cursor, pageSize)

		if page.err == nil {
			if len(page.candles) == 0 {
				e.logger.Info("no more candles available, caught up to present")
				break
			}
			if hasEnd && !page.candles[0].Timestamp.Before(end) {
				e.logger.Info("reached end bound", "end", end)
				break
			}
		}

		if page.err == nil {
			batchIndex++
			// A fetched page is always processed to completion, even if the
			// context was cancelled mid-page; the loop-top checkpoint stops
			// the run before the next fetch.
			newRecords, procErr := e.processPage(context.WithoutCancel(ctx), *identity, timeframe,
				page.candles, end, hasEnd, &staged, stagedKeys, &observed)
			written += int64(newRecords)

			if procErr != nil {
				page.err = procErr
			} else {
				last := page.candles[len(page.candles)-1].Timestamp
				// Native pagination semantics: the cursor tracks the
				// page's real tail, not the bound-truncated position.
				cursor = last.Add(cursorStep)
				consecutive = 0

				e.logger.Info("processed page",
					"batch", batchIndex,
					"candles", len(page.candles),
					"new_records", newRecords,
					"latest", last)

				if batchIndex%e.config.CommitEveryPages == 0 {
					if err := e.commit(ctx, *identity, staged, written); err != nil {
						return nil, err
					}
					staged = staged[:0]
				}

				select {
				case <-time.After(e.gateway.MinRequestInterval()):
				case <-ctx.Done():
					// handled at the top of the loop
				}
				continue
			}
		}

		// Page-level failure: log, record the skipped range, force the
		// cursor forward, and keep going. Staged rows from earlier pages
		// (and from this page before the failure) survive untouched.
		if errors.Is(page.err, context.Canceled) || errors.Is(page.err, context.DeadlineExceeded) {
			if flushErr := e.commit(context.WithoutCancel(ctx), *identity, staged, written); flushErr != nil {
				return nil, flushErr
			}
			return finish(), ctx.Err()
		}

		consecutive++
		e.logger.Error("page failed, skipping ahead",
			"batch", batchIndex,
			"cursor", cursor,
			"skip", e.config.ErrorSkip,
			"consecutive_failures", consecutive,
			"error", page.err)

		e.recordGap(ctx, identity.Pair, timeframe, cursor, cursor.Add(e.config.ErrorSkip), page.err)
		cursor = cursor.Add(e.config.ErrorSkip)

		if consecutive >= e.config.MaxConsecutiveFailures {
			return nil, fmt.Errorf("aborting after %d consecutive page failures: %w", consecutive, page.err)
		}
	}

	if err := e.commit(ctx, *identity, staged, written); err != nil {
		return nil, err
	}

	result := finish()
	e.logger.Info("backfill completed",
		"pair", identity.Pair,
		"timeframe", timeframe,
		"records_written", result.RecordsWritten,
		"actual_start", result.ActualStart,
		"actual_end", result.ActualEnd,
		"batches", batchIndex)

	return result, nil
}

// startCursor derives the first timestamp to request.
func (e *Engine) startCursor(ctx context.Context, req Request, identity models.SymbolIdentity, timeframe models.Timeframe) (time.Time, error) {
	if req.Resume {
		latest, ok, err := e.store.LatestTimestamp(ctx, identity, timeframe)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to derive resume point: %w", err)
		}
		if ok {
			e.logger.Info("resuming from last stored candle", "latest", latest)
			return latest.Add(cursorStep), nil
		}
	}

	if req.Start == "" {
		return time.Now().UTC().Add(-e.config.Lookback), nil
	}

	start, err := e.gateway.ParseTime(req.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}
	return start, nil
}

// fetchPage wraps one gateway call into an explicit outcome.
func (e *Engine) fetchPage(ctx context.Context, identity models.SymbolIdentity, timeframe models.Timeframe, since time.Time, limit int) pageResult {
	candles, err := e.gateway.FetchCandles(ctx, exchange.PageRequest{
		Pair:      identity.Pair,
		Timeframe: timeframe,
		Since:     since,
		Limit:     limit,
	})
	if err != nil {
		return pageResult{err: err}
	}
	return pageResult{candles: candles}
}

// processPage walks one page in ascending order, truncating at the end
// bound, deduplicating against the store and the uncommitted stage, and
// folding every observed timestamp (duplicates included) into the range
// tracker. It returns the number of rows newly staged; a store read error
// abandons the remainder of the page.
func (e *Engine) processPage(
	ctx context.Context,
	identity models.SymbolIdentity,
	timeframe models.Timeframe,
	candles []models.Candle,
	end time.Time,
	hasEnd bool,
	staged *[]models.Candle,
	stagedKeys map[int64]struct{},
	observed *models.ObservedRange,
) (int, error) {
	newRecords := 0

	for i := range candles {
		c := candles[i]
		if hasEnd && !c.Timestamp.Before(end) {
			break
		}

		observed.Observe(c.Timestamp)

		key := c.Timestamp.UTC().UnixNano()
		if _, ok := stagedKeys[key]; ok {
			continue
		}

		exists, err := e.store.Exists(ctx, identity, timeframe, c.Timestamp)
		if err != nil {
			return newRecords, fmt.Errorf("existence check failed: %w", err)
		}
		if exists {
			continue
		}

		*staged = append(*staged, c)
		stagedKeys[key] = struct{}{}
		newRecords++
	}

	return newRecords, nil
}

// commit flushes staged rows in one transaction. Commit failures are
// fatal to the run; batches committed earlier stay intact.
func (e *Engine) commit(ctx context.Context, identity models.SymbolIdentity, staged []models.Candle, cumulative int64) error {
	if len(staged) == 0 {
		return nil
	}

	if err := e.store.CommitBatch(ctx, identity, staged); err != nil {
		e.logger.Error("batch commit failed", "staged", len(staged), "error", err)
		return fmt.Errorf("batch commit failed: %w", err)
	}

	e.logger.Info("committed batch", "staged", len(staged), "total_records", cumulative)
	return nil
}

// recordGap writes the skip marker for a failed page. A failure to record
// the gap is logged but never escalates: the marker is an audit trail, not
// a correctness dependency of the run itself.
func (e *Engine) recordGap(ctx context.Context, pair string, timeframe models.Timeframe, start, end time.Time, cause error) {
	gap, err := models.NewGap(pair, timeframe, start, end, cause.Error())
	if err != nil {
		e.logger.Warn("failed to build gap marker", "error", err)
		return
	}
	if err := e.store.StoreGap(context.WithoutCancel(ctx), *gap); err != nil {
		e.logger.Warn("failed to store gap marker", "gap_id", gap.ID, "error", err)
	}
}
