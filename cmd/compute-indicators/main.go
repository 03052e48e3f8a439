package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"backtestlab/internal/config"
	"backtestlab/internal/indicator"
	"backtestlab/internal/store"
	"backtestlab/internal/util"
)

func main() {
	symbolsFlag := flag.String("symbols", "all", "comma-separated symbols, or \"all\"")
	specsFlag := flag.String("indicators", "rsi:14,sma:20,sma:50,ema:20", "comma-separated name:period list; patterns are bare names, \"patterns\" adds them all")
	force := flag.Bool("force", false, "recompute columns that are already cached")
	workers := flag.Int("workers", 4, "symbols computed concurrently")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	specs, err := parseSpecs(*specsFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	cache := indicator.NewCache(bars, cfg.Indicators.Dir, logger)

	symbols := strings.Split(strings.ToUpper(*symbolsFlag), ",")
	if strings.EqualFold(*symbolsFlag, "all") {
		if symbols, err = bars.ListSymbols(ctx); err != nil {
			log.Fatalf("listing symbols: %v", err)
		}
	}

	start := time.Now()
	var computed, failed int
	results := make(chan int, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*workers, 1))
	for _, sym := range symbols {
		sym := strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		g.Go(func() error {
			n := 0
			for _, spec := range specs {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				var err error
				did := true
				if *force {
					err = cache.Recompute(gctx, sym, spec.Name, spec.Period)
				} else {
					did, err = cache.Ensure(gctx, sym, spec.Name, spec.Period)
				}
				if err != nil {
					slog.Warn("indicator failed", "symbol", sym, "column", spec.Column(), "error", err)
					results <- -1
					return nil
				}
				if did {
					n++
				}
			}
			results <- n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("interrupted: %v", err)
	}
	close(results)
	for n := range results {
		if n < 0 {
			failed++
		} else {
			computed += n
		}
	}

	slog.Info("indicators done",
		"symbols", len(symbols),
		"columnsComputed", computed,
		"symbolsFailed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

func parseSpecs(s string) ([]indicator.Spec, error) {
	var specs []indicator.Spec
	for _, part := range strings.Split(s, ",") {
		name, p, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok && name == "patterns" {
			for _, n := range indicator.Patterns() {
				specs = append(specs, indicator.Spec{Name: n})
			}
			continue
		}
		if !ok && indicator.IsPattern(name) {
			specs = append(specs, indicator.Spec{Name: name})
			continue
		}
		period, err := strconv.Atoi(p)
		if !ok || err != nil {
			return nil, fmt.Errorf("indicator %q must be name:period or a pattern name", part)
		}
		if !indicator.Supported(name) {
			return nil, fmt.Errorf("unknown indicator %q (supported: %s)", name, strings.Join(indicator.Names(), ", "))
		}
		specs = append(specs, indicator.Spec{Name: name, Period: period})
	}
	return specs, nil
}
