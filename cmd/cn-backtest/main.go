// Single backtest of a registered strategy over stored data, printing the
// summary metrics.
//
// Usage:
//
//	go run ./cmd/cn-backtest [-config path] [-strategy pe-rotation|sma-cross] [-cohort 1] [-seed N]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"perotation/internal/broker"
	"perotation/internal/config"
	"perotation/internal/domain"
	"perotation/internal/feed"
	"perotation/internal/gather/cn"
	"perotation/internal/store"
	"perotation/internal/strategy"
	"perotation/internal/strategy/builtins"
	"perotation/internal/util"
)

func main() {
	cfgPath := "config/perotation.yaml"
	if p := os.Getenv("PEROTATION_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config file")
	name := flag.String("strategy", "", "strategy name (default backtest.strategy)")
	cohort := flag.Int("cohort", 1, "valuation cohort for pe-rotation")
	seed := flag.Uint64("seed", 1, "selector seed for pe-rotation")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *name == "" {
		*name = cfg.Backtest.Strategy
	}
	if *cohort < 1 || *cohort > cfg.Backtest.GroupNum {
		log.Fatalf("cohort %d outside [1, %d]", *cohort, cfg.Backtest.GroupNum)
	}

	logger, closeLog, err := util.NewAppLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Dir, "cn-backtest")
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closeLog()
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start, end, _ := cfg.Backtest.Window()
	pstore := store.NewParquetStore(cfg.Storage.DataDir)

	var (
		instruments cn.InstrumentSource
		fetcher     cn.ValuationFetcher
	)
	if cfg.Tushare.Token != "" {
		client := cn.NewTushareClient(cfg.Tushare, logger)
		instruments, fetcher = client, client
	}

	registry := strategy.NewRegistry()
	var (
		symbols []string
		cash    decimal.Decimal
	)
	switch *name {
	case builtins.RotationName:
		universe, err := cn.Universe(ctx, instruments, pstore, start)
		if err != nil {
			log.Fatalf("universe: %v", err)
		}
		sel := strategy.NewSelector(cn.NewValuationCache(fetcher, pstore, logger), universe,
			rand.New(rand.NewPCG(*seed, uint64(*cohort))))
		registry.Register(builtins.NewRotation(builtins.RotationConfig{
			Cohort:               *cohort,
			CohortCount:          cfg.Backtest.GroupNum,
			BuyNum:               cfg.Backtest.BuyNum,
			RefreshRate:          cfg.Backtest.RefreshRate,
			MaxExitRetries:       cfg.Backtest.MaxExitRetries,
			ExitRetryBackoffDays: cfg.Backtest.ExitRetryBackoffDays,
		}, sel, logger))
		symbols, cash = universe, decimal.NewFromFloat(cfg.Backtest.InitialCash)
	case builtins.SMACrossName:
		s := cfg.SMACross
		registry.Register(builtins.NewSMACross(s.Instrument, s.ShortPeriod, s.LongPeriod, cfg.Backtest.MaxExitRetries, logger))
		symbols, cash = []string{s.Instrument}, decimal.NewFromFloat(s.InitialCash)
	default:
		log.Fatalf("unknown strategy %q (want %s or %s)", *name, builtins.RotationName, builtins.SMACrossName)
	}

	days, err := feed.Load(ctx, pstore, domain.MarketCN, symbols, start, end, cfg.Logging.Progress)
	if err != nil {
		log.Fatalf("loading bars: %v", err)
	}
	b := broker.NewSimulatorBroker(cash,
		broker.NewCommission(cfg.Backtest.CommissionRate, cfg.Backtest.MinCommission),
		broker.WithFillOnClose(*cfg.Backtest.FillOnClose),
		broker.WithLogger(logger),
	)

	res, err := strategy.NewBacktester(registry, logger).RunNamed(ctx, *name, days, b)
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}

	fmt.Printf("strategy:        %s\n", *name)
	fmt.Printf("trading days:    %d\n", res.Days)
	fmt.Printf("initial value:   %s\n", res.InitialValue.StringFixed(2))
	fmt.Printf("final value:     %s\n", res.FinalValue.StringFixed(2))
	fmt.Printf("total return:    %.2f%%\n", res.TotalReturn*100)
	fmt.Printf("max drawdown:    %.2f%%\n", res.MaxDrawdown*100)
	fmt.Printf("trades:          %d\n", res.TotalTrades)
	fmt.Printf("cycle errors:    %d\n", res.CycleErrors)
	if strat, ok := registry.Get(builtins.RotationName); ok {
		for _, p := range strat.(*builtins.Rotation).Stuck() {
			fmt.Printf("stuck position:  %s qty=%d attempts=%d\n", p.Symbol, p.Qty, p.Attempts)
		}
	}
}
