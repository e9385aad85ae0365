// Runs the PE rotation backtest for every cohort over many seeded trials
// and appends one result line per run to the result file.
//
// Usage:
//
//	go run ./cmd/pe-rotation [-config path] [-trials 10] [-workers 3] [-groups 1,2,3,4,5] [-seed N] [-offline]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"perotation/internal/config"
	"perotation/internal/engine"
	"perotation/internal/gather"
	"perotation/internal/gather/cn"
	"perotation/internal/store"
	"perotation/internal/strategy/builtins"
	"perotation/internal/util"
)

func main() {
	cfgPath := "config/perotation.yaml"
	if p := os.Getenv("PEROTATION_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config file")
	trials := flag.Int("trials", 0, "trials per cohort (0 = config)")
	workers := flag.Int("workers", 0, "concurrent backtests (0 = config)")
	groups := flag.String("groups", "", "comma-separated cohorts to run (empty = config)")
	seed := flag.Uint64("seed", 0, "base seed (0 = config, then clock)")
	offline := flag.Bool("offline", false, "use stored data only; never call tushare")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := applyFlags(&cfg.Backtest, *trials, *workers, *groups, *seed); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	logger, closeLog, err := util.NewAppLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Dir, "pe-rotation")
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closeLog()
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *offline || cfg.Tushare.Token == "", logger); err != nil {
		logger.Error("batch failed", "err", err)
		os.Exit(1)
	}
}

func applyFlags(b *config.BacktestConfig, trials, workers int, groups string, seed uint64) error {
	if trials > 0 {
		b.Trials = trials
	}
	if workers > 0 {
		b.Workers = workers
	}
	if seed != 0 {
		b.Seed = seed
	}
	if b.Seed == 0 {
		b.Seed = uint64(time.Now().UnixNano())
	}
	if groups == "" {
		return nil
	}
	b.Groups = b.Groups[:0]
	for _, g := range strings.Split(groups, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(g))
		if err != nil || n < 1 || n > b.GroupNum {
			return fmt.Errorf("group %q outside [1, %d]", g, b.GroupNum)
		}
		b.Groups = append(b.Groups, n)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, offline bool, logger *slog.Logger) error {
	start, end, _ := cfg.Backtest.Window()
	pstore := store.NewParquetStore(cfg.Storage.DataDir)

	var (
		instruments cn.InstrumentSource
		fetcher     cn.ValuationFetcher
		client      *cn.TushareClient
	)
	if !offline {
		client = cn.NewTushareClient(cfg.Tushare, logger)
		instruments, fetcher = client, client
	}

	universe, err := cn.Universe(ctx, instruments, pstore, start)
	if err != nil {
		return fmt.Errorf("universe: %w", err)
	}
	logger.Info("universe resolved", "symbols", len(universe))

	if client != nil {
		g := cn.NewDailyBarGatherer(client, pstore, universe, gather.DateRange{Start: start, End: end},
			cfg.Gather.CNDaily.MaxWorkers, cfg.Logging.Progress, logger)
		if err := g.Run(ctx); err != nil {
			return fmt.Errorf("data preparation: %w", err)
		}
	}

	valuations := cn.NewValuationCache(fetcher, pstore, logger)
	if client != nil {
		days, err := client.TradeCal(ctx, start, end)
		if err != nil {
			logger.Warn("trading calendar unavailable; valuations load on demand", "err", err)
		} else {
			dates := util.NewTradingCalendar(days).Every(start, end, cfg.Backtest.RefreshRate)
			if _, err := valuations.Prefetch(ctx, dates, cfg.Gather.CNDaily.MaxWorkers, cfg.Logging.Progress); err != nil {
				return err
			}
		}
	}

	runs, err := store.OpenRunStore(ctx, cfg.Storage.PostgresURL, cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("run store: %w", err)
	}
	if runs != nil {
		defer runs.Close()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.ResultFile), 0o755); err != nil {
		return err
	}

	runner, err := engine.NewBacktestRunner(cfg.Backtest, engine.Data{
		Bars:       pstore,
		Valuations: valuations,
		Universe:   universe,
		Progress:   cfg.Logging.Progress,
	}, logger)
	if err != nil {
		return err
	}

	jobs := engine.Jobs(cfg.Backtest.Cohorts(), cfg.Backtest.Trials, cfg.Backtest.Seed)
	logger.Info("batch started",
		"jobs", len(jobs),
		"workers", cfg.Backtest.Workers,
		"seed", cfg.Backtest.Seed,
		"window", start.Format(config.DateLayout)+".."+end.Format(config.DateLayout),
	)
	batchStart := time.Now()
	results := engine.NewEngine(runner, cfg.Backtest.Workers, logger).Run(ctx, jobs)
	sink := engine.NewSink(cfg.Storage.ResultFile, runs, builtins.RotationName, logger)
	ok, failed := sink.Drain(ctx, results)

	logger.Info("batch complete",
		"ok", ok,
		"failed", failed,
		"result_file", cfg.Storage.ResultFile,
		"elapsed", time.Since(batchStart).Round(time.Second),
	)
	return ctx.Err()
}
