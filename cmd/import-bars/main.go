package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"backtestlab/internal/config"
	"backtestlab/internal/gather"
	"backtestlab/internal/store"
	"backtestlab/internal/util"
)

func main() {
	csvFlag := flag.String("csv", "", "comma-separated CSV files or globs, one symbol per file")
	alpacaFlag := flag.Bool("alpaca", false, "backfill daily bars from Alpaca")
	symbolsFlag := flag.String("symbols", "", "symbols for the Alpaca backfill")
	startFlag := flag.String("start", "", "backfill start date (YYYY-MM-DD)")
	endFlag := flag.String("end", "", "backfill end date (YYYY-MM-DD), default today")
	batchSize := flag.Int("batch-size", 100, "symbols per Alpaca request")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pstore := store.NewParquetStore(cfg.Storage.DataDir)

	var gatherers []gather.Gatherer
	if *csvFlag != "" {
		var paths []string
		for _, pattern := range strings.Split(*csvFlag, ",") {
			matches, err := filepath.Glob(strings.TrimSpace(pattern))
			if err != nil {
				log.Fatalf("bad pattern %q: %v", pattern, err)
			}
			paths = append(paths, matches...)
		}
		gatherers = append(gatherers, gather.NewCSVImporter(pstore, paths))
	}
	if *alpacaFlag {
		if cfg.Alpaca.APIKey == "" {
			log.Fatal("alpaca backfill needs APCA_API_KEY_ID or alpaca.api_key")
		}
		var symbols []string
		for _, s := range strings.Split(strings.ToUpper(*symbolsFlag), ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		if len(symbols) == 0 {
			log.Fatal("-alpaca needs -symbols")
		}
		dates, err := gather.ParseDateRange(*startFlag, *endFlag)
		if err != nil {
			log.Fatalf("%v", err)
		}
		fetcher := gather.NewAlpacaFetcher(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed)
		gatherers = append(gatherers, gather.NewAlpacaGatherer(fetcher, pstore, symbols, dates, *batchSize, cfg.Alpaca.RateLimit))
	}
	if len(gatherers) == 0 {
		log.Fatal("nothing to do: pass -csv and/or -alpaca")
	}

	for _, g := range gatherers {
		start := time.Now()
		slog.Info("gatherer starting", "gatherer", g.Name())
		if err := g.Run(ctx); err != nil {
			log.Fatalf("%s: %v", g.Name(), err)
		}
		slog.Info("gatherer done", "gatherer", g.Name(), "elapsed", time.Since(start).Round(time.Millisecond))
	}
}
