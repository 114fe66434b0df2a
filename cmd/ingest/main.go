// OHLCV ingestion CLI.
// Backfills historical candle data from an exchange into a relational
// store, synchronizes market metadata, and snapshots 24h tickers.
//
// Usage:
//
//	ingest init
//	ingest sync-markets
//	ingest backfill --pair BTC/USDT --timeframe 1h --start 2024-01-01
//	ingest ticker --pair BTC/USDT
//
// For detailed help on any command, use: ingest <command> --help
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mleone/go-ohlcv-ingest/internal/backfill"
	"github.com/mleone/go-ohlcv-ingest/internal/config"
	"github.com/mleone/go-ohlcv-ingest/internal/exchange"
	"github.com/mleone/go-ohlcv-ingest/internal/logger"
	"github.com/mleone/go-ohlcv-ingest/internal/models"
	"github.com/mleone/go-ohlcv-ingest/internal/storage"
)

const (
	Version = "1.0.0"
	AppName = "ingest"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
)

// App bundles the wired components behind the CLI commands.
type App struct {
	config  *config.Config
	logger  *slog.Logger
	logsink io.Closer
	store   storage.Store
	gateway exchange.Gateway
	engine  *backfill.Engine
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		printUsage()
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &App{}
	if err := app.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer app.shutdown()

	switch command {
	case "init":
		// schema creation already ran in initialize; this just reports it
		app.logger.Info("storage initialized", "type", app.config.Storage.Type)
		fmt.Printf("Storage schema initialized (%s)\n", app.config.Storage.Type)
	case "sync-markets":
		if err := app.handleSyncMarkets(ctx); err != nil {
			app.logger.Error("market sync failed", "error", err)
			app.shutdown()
			os.Exit(ExitDataError)
		}
	case "backfill":
		if err := app.handleBackfill(ctx, args); err != nil {
			app.logger.Error("backfill failed", "error", err)
			app.shutdown()
			os.Exit(ExitDataError)
		}
	case "ticker":
		if err := app.handleTicker(ctx, args); err != nil {
			app.logger.Error("ticker snapshot failed", "error", err)
			app.shutdown()
			os.Exit(ExitDataError)
		}
	case "gaps":
		if err := app.handleGaps(ctx, args); err != nil {
			app.logger.Error("gap listing failed", "error", err)
			app.shutdown()
			os.Exit(ExitDataError)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}
}

// initialize loads configuration and wires storage, gateway and engine.
func (app *App) initialize(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("INGEST_CONFIG"))
	if err != nil {
		return err
	}
	app.config = cfg

	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	app.logger = log
	app.logsink = closer

	store, err := createStore(cfg.Storage, log)
	if err != nil {
		return err
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	app.store = store

	gatewayOpts := []exchange.BinanceOption{
		exchange.WithLogger(log),
		exchange.WithRequestInterval(cfg.Exchange.RequestIntervalDuration()),
		exchange.WithHTTPTimeout(cfg.Exchange.TimeoutDuration()),
	}
	if cfg.Exchange.BaseURL != "" {
		gatewayOpts = append(gatewayOpts, exchange.WithBaseURL(cfg.Exchange.BaseURL))
	}
	app.gateway = exchange.NewBinanceGateway(gatewayOpts...)

	app.engine = backfill.New(app.gateway, app.store, &backfill.Config{
		PageSize:               cfg.Backfill.PageSize,
		CommitEveryPages:       cfg.Backfill.CommitEveryPages,
		ErrorSkip:              cfg.Backfill.ErrorSkipDuration(),
		MaxConsecutiveFailures: cfg.Backfill.MaxConsecutiveFailures,
		Lookback:               cfg.Backfill.LookbackDuration(),
		Logger:                 log,
	})

	return nil
}

func (app *App) shutdown() {
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Warn("failed to close store", "error", err)
		}
		app.store = nil
	}
	if app.logsink != nil {
		app.logsink.Close()
		app.logsink = nil
	}
}

func createStore(cfg config.StorageConfig, log *slog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "postgres":
		return storage.NewPostgresStore(cfg.DatabaseURL, log)
	case "duckdb":
		return storage.NewDuckDBStore(cfg.DatabaseURL, log)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func (app *App) handleSyncMarkets(ctx context.Context) error {
	synced, err := app.engine.SyncMarkets(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Synchronized %d trading pairs from %s\n", synced, app.gateway.Name())
	return nil
}

// backfillFlags holds the parsed flags of the backfill command.
type backfillFlags struct {
	Pair      string
	Timeframe string
	Start     string
	End       string
	PageSize  int
	Resume    bool
	Help      bool
}

func parseBackfillFlags(args []string) (*backfillFlags, error) {
	flags := &backfillFlags{Timeframe: "1h"}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--pair", "-p":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--pair requires a value")
			}
			flags.Pair = args[i+1]
			i++
		case "--timeframe", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframe requires a value")
			}
			flags.Timeframe = args[i+1]
			i++
		case "--start", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end", "-e":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--page-size":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--page-size requires a value")
			}
			size, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid page size: %w", err)
			}
			flags.PageSize = size
			i++
		case "--resume", "-r":
			flags.Resume = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func (app *App) handleBackfill(ctx context.Context, args []string) error {
	flags, err := parseBackfillFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printBackfillHelp()
		return nil
	}
	if flags.Pair == "" {
		return fmt.Errorf("--pair is required")
	}

	result, err := app.engine.Run(ctx, backfill.Request{
		Pair:      flags.Pair,
		Timeframe: flags.Timeframe,
		Start:     flags.Start,
		End:       flags.End,
		PageSize:  flags.PageSize,
		Resume:    flags.Resume,
	})
	if err != nil {
		if result != nil {
			// interrupted run: report what was flushed before stopping
			fmt.Printf("Backfill interrupted: %d records written, range %s to %s\n",
				result.RecordsWritten,
				result.ActualStart.Format("2006-01-02 15:04:05"),
				result.ActualEnd.Format("2006-01-02 15:04:05"))
		}
		return err
	}

	fmt.Printf("Backfilled %d records for %s %s (range %s to %s)\n",
		result.RecordsWritten, flags.Pair, flags.Timeframe,
		result.ActualStart.Format("2006-01-02 15:04:05"),
		result.ActualEnd.Format("2006-01-02 15:04:05"))
	return nil
}

func (app *App) handleTicker(ctx context.Context, args []string) error {
	pair := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--pair", "-p":
			if i+1 >= len(args) {
				return fmt.Errorf("--pair requires a value")
			}
			pair = args[i+1]
			i++
		case "--help", "-h":
			fmt.Printf("%s ticker --pair <pair>\n\nFetches and stores a 24h market snapshot.\n", AppName)
			return nil
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if pair == "" {
		return fmt.Errorf("--pair is required")
	}

	if err := app.engine.SnapshotTicker(ctx, pair); err != nil {
		return err
	}
	fmt.Printf("Stored ticker snapshot for %s\n", pair)
	return nil
}

func (app *App) handleGaps(ctx context.Context, args []string) error {
	pair, timeframe := "", "1h"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--pair", "-p":
			if i+1 >= len(args) {
				return fmt.Errorf("--pair requires a value")
			}
			pair = args[i+1]
			i++
		case "--timeframe", "-t":
			if i+1 >= len(args) {
				return fmt.Errorf("--timeframe requires a value")
			}
			timeframe = args[i+1]
			i++
		case "--help", "-h":
			fmt.Printf("%s gaps --pair <pair> [--timeframe <tf>]\n\nLists ranges skipped by previous backfill runs.\n", AppName)
			return nil
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if pair == "" {
		return fmt.Errorf("--pair is required")
	}

	tf, err := models.ParseTimeframe(timeframe)
	if err != nil {
		return err
	}

	gaps, err := app.store.ListGaps(ctx, pair, tf)
	if err != nil {
		return err
	}

	if len(gaps) == 0 {
		fmt.Printf("No gaps recorded for %s %s\n", pair, timeframe)
		return nil
	}

	fmt.Printf("Found %d recorded gaps for %s %s:\n\n", len(gaps), pair, timeframe)
	for i, gap := range gaps {
		fmt.Printf("%d. %s to %s (%v): %s\n",
			i+1,
			gap.StartTime.Format("2006-01-02 15:04:05"),
			gap.EndTime.Format("2006-01-02 15:04:05"),
			gap.Duration(),
			gap.Reason)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`%s - OHLCV ingestion CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    init            Create the storage schema
    sync-markets    Fetch trading pairs from the exchange into the store
    backfill        Backfill historical candles for a trading pair
    ticker          Fetch and store a 24h market snapshot
    gaps            List ranges skipped by previous backfill runs

GLOBAL OPTIONS:
    --help, -h      Show help information
    --version, -v   Show version information

EXAMPLES:
    # Create the schema and load markets
    %s init
    %s sync-markets

    # Backfill BTC/USDT hourly candles from a date to the present
    %s backfill --pair BTC/USDT --timeframe 1h --start 2024-01-01

    # Continue a previous backfill from the newest stored candle
    %s backfill --pair BTC/USDT --timeframe 1h --resume

CONFIGURATION:
    Configuration is read from the JSON file named by INGEST_CONFIG and
    from environment variables (STORAGE_TYPE, DATABASE_URL, LOG_LEVEL, ...).
    Environment variables take precedence over the file.

For detailed help on the backfill command, use: %s backfill --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName, AppName)
}

func printBackfillHelp() {
	fmt.Printf(`%s backfill - Backfill historical OHLCV data

USAGE:
    %s backfill [options]

OPTIONS:
    --pair, -p <pair>            Trading pair, e.g. BTC/USDT (required)
    --timeframe, -t <timeframe>  Candle timeframe (default: 1h)
                                 Supported: 1m 3m 5m 15m 30m 1h 2h 4h 6h 8h 12h 1d 3d 1w 1M
    --start, -s <time>           Start time: RFC3339, YYYY-MM-DD or epoch ms
                                 (default: 30 days ago)
    --end, -e <time>             End time, exclusive (default: run to present)
    --page-size <n>              Candles per request (default: 1000)
    --resume, -r                 Start after the newest stored candle
    --help, -h                   Show this help message

EXAMPLES:
    # Backfill one month of hourly candles
    %s backfill --pair BTC/USDT --timeframe 1h --start 2024-01-01 --end 2024-02-01

    # Backfill minute candles for the default lookback window
    %s backfill --pair ETH/USDT --timeframe 1m

NOTES:
    - Markets must be synchronized first (%s sync-markets)
    - Failed pages are skipped a day ahead and recorded as gaps
    - Reruns are idempotent; existing candles are never duplicated
`, AppName, AppName, AppName, AppName, AppName)
}
