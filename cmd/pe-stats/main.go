// Aggregates the result file into per-cohort mean, population standard
// deviation and raw values.
//
// Usage:
//
//	go run ./cmd/pe-stats [-config path] [-in log/result.txt] [-out log/ret_sta.txt]
package main

import (
	"bytes"
	"flag"
	"log"
	"os"
	"path/filepath"

	"perotation/internal/config"
	"perotation/internal/report"
	"perotation/internal/util"
)

func main() {
	cfgPath := "config/perotation.yaml"
	if p := os.Getenv("PEROTATION_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config file")
	in := flag.String("in", "", "result file (default storage.result_file)")
	out := flag.String("out", "", "stats file (default storage.stats_file; - for stdout only)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *in == "" {
		*in = cfg.Storage.ResultFile
	}
	if *out == "" {
		*out = cfg.Storage.StatsFile
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	lines, skipped, err := report.ReadLines(*in)
	if err != nil {
		log.Fatalf("reading results: %v", err)
	}
	if skipped > 0 {
		logger.Warn("skipped malformed lines", "count", skipped, "file", *in)
	}

	var buf bytes.Buffer
	if err := report.FormatStats(&buf, report.Aggregate(lines)); err != nil {
		log.Fatalf("formatting stats: %v", err)
	}
	os.Stdout.Write(buf.Bytes())

	if *out == "-" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("creating stats dir: %v", err)
	}
	if err := os.WriteFile(*out, buf.Bytes(), 0o644); err != nil {
		log.Fatalf("writing stats: %v", err)
	}
	logger.Info("stats written", "file", *out, "runs", len(lines))
}
