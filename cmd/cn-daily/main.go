// Data preparation only: instrument universe, daily bars and the valuation
// snapshots of every rebalance day in the configured window.
//
// Usage:
//
//	go run ./cmd/cn-daily [-config config/perotation.yaml]
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"perotation/internal/config"
	"perotation/internal/gather"
	"perotation/internal/gather/cn"
	"perotation/internal/store"
	"perotation/internal/util"
)

func main() {
	cfgPath := "config/perotation.yaml"
	if p := os.Getenv("PEROTATION_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Tushare.Token == "" {
		log.Fatal("tushare token is required (tushare.token or TUSHARE_TOKEN)")
	}

	logger, closeLog, err := util.NewAppLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Dir, "cn-daily")
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closeLog()
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start, end, _ := cfg.Backtest.Window()
	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	client := cn.NewTushareClient(cfg.Tushare, logger)

	universe, err := cn.Universe(ctx, client, pstore, start)
	if err != nil {
		log.Fatalf("universe: %v", err)
	}
	logger.Info("universe resolved", "symbols", len(universe), "listed_before", start.Format(config.DateLayout))

	gatherer := cn.NewDailyBarGatherer(client, pstore, universe,
		gather.DateRange{Start: start, End: end},
		cfg.Gather.CNDaily.MaxWorkers, cfg.Logging.Progress, logger)
	logger.Info("starting gatherer", "name", gatherer.Name())
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("gatherer error: %v", err)
	}

	days, err := client.TradeCal(ctx, start, end)
	if err != nil {
		log.Fatalf("trading calendar: %v", err)
	}
	cal := util.NewTradingCalendar(days)
	rebalances := cal.Every(start, end, cfg.Backtest.RefreshRate)

	cache := cn.NewValuationCache(client, pstore, logger)
	failed, err := cache.Prefetch(ctx, rebalances, cfg.Gather.CNDaily.MaxWorkers, cfg.Logging.Progress)
	if err != nil {
		log.Fatalf("valuation prefetch: %v", err)
	}
	logger.Info("data preparation complete",
		"trading_days", cal.Len(),
		"valuation_days", len(rebalances),
		"valuation_failed", failed,
		"bars", gatherer.Stats(),
	)
}
