package backfill

import (
	"context"
	"fmt"
)

// SyncMarkets pulls the exchange's trading pairs and upserts them into the
// store, returning the number of pairs synchronized. Inactive pairs are
// upserted too so a delisting flips the stored active flag instead of
// leaving a stale row.
func (e *Engine) SyncMarkets(ctx context.Context) (int, error) {
	pairs, err := e.gateway.GetTradingPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch trading pairs: %w", err)
	}

	exchangeID, err := e.store.UpsertExchange(ctx, e.gateway.Name())
	if err != nil {
		return 0, fmt.Errorf("failed to upsert exchange: %w", err)
	}

	synced := 0
	for _, pair := range pairs {
		if _, err := e.store.UpsertSymbol(ctx, exchangeID, pair); err != nil {
			return synced, fmt.Errorf("failed to upsert symbol %s: %w", pair.Symbol, err)
		}
		synced++
	}

	e.logger.Info("markets synchronized",
		"exchange", e.gateway.Name(),
		"pairs", synced)

	return synced, nil
}

// SnapshotTicker fetches the 24h ticker for a pair and persists it. The
// pair must already be resolvable, so markets have to be synchronized
// first.
func (e *Engine) SnapshotTicker(ctx context.Context, pair string) error {
	identity, err := e.store.Resolve(ctx, e.gateway.Name(), pair)
	if err != nil {
		return fmt.Errorf("symbol resolution failed: %w", err)
	}

	ticker, err := e.gateway.FetchTicker(ctx, pair)
	if err != nil {
		return fmt.Errorf("failed to fetch ticker: %w", err)
	}

	if err := e.store.StoreTicker(ctx, *identity, *ticker); err != nil {
		return fmt.Errorf("failed to store ticker: %w", err)
	}

	e.logger.Info("ticker snapshot stored",
		"pair", pair,
		"last_price", ticker.LastPrice,
		"snapshot_ts", ticker.Timestamp)

	return nil
}
