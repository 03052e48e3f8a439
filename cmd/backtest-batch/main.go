package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"backtestlab/internal/batch"
	"backtestlab/internal/config"
	"backtestlab/internal/domain"
	"backtestlab/internal/indicator"
	"backtestlab/internal/results"
	"backtestlab/internal/store"
	"backtestlab/internal/strategy"
	"backtestlab/internal/strategy/builtins"
	"backtestlab/internal/util"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols, or \"all\" for every stored symbol")
	strategyFlag := flag.String("strategy", "ma_crossover", "strategy name")
	paramsFlag := flag.String("params", "", "fixed params, e.g. fast_period=10,slow_period=50")
	gridFlag := flag.String("grid", "", "param grid, e.g. fast_period=5,10;slow_period=50,100")
	rulesFlag := flag.String("exit-rules", "default", "comma-separated exit rules, e.g. default,trailing_stop:0.08")
	groupFlag := flag.String("group", "", "run a saved group set instead of the flags above")
	saveFlag := flag.String("save-group", "", "save the flag-defined batch as a group set with this name")
	workers := flag.Int("workers", 0, "concurrent simulations (0 uses config)")
	jsonOut := flag.Bool("json", false, "print the result table as JSON")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bars := store.NewParquetStore(cfg.Storage.DataDir)
	res, err := results.Open(ctx, results.Options{Dir: cfg.Results.Dir, Driver: cfg.Results.Driver, DSN: cfg.Results.DSN}, logger)
	if err != nil {
		log.Fatalf("opening results store: %v", err)
	}
	defer res.Close()

	opts, err := batch.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid backtest config: %v", err)
	}
	if *workers > 0 {
		opts.Workers = *workers
	}
	cache := indicator.NewCache(bars, cfg.Indicators.Dir, logger)
	orch := batch.NewOrchestrator(bars, cache, builtins.NewRegistry(), res, nil, opts, logger)

	var g results.GroupSet
	if *groupFlag != "" {
		var found bool
		if g, found, err = res.LoadGroupSet(ctx, *groupFlag); err != nil {
			log.Fatalf("loading group set: %v", err)
		} else if !found {
			log.Fatalf("no group set %q", *groupFlag)
		}
	} else {
		if g.Symbols, err = resolveSymbols(ctx, bars, *symbolsFlag); err != nil {
			log.Fatalf("resolving symbols: %v", err)
		}
		if g.Configs, err = buildConfigs(*strategyFlag, *paramsFlag, *gridFlag); err != nil {
			log.Fatalf("building configs: %v", err)
		}
		g.ExitRules = splitList(*rulesFlag)
		if *saveFlag != "" {
			g.Name = *saveFlag
			if err := res.SaveGroupSet(ctx, g); err != nil {
				log.Fatalf("saving group set: %v", err)
			}
		}
	}

	table, stats, err := orch.RunBatch(ctx, g.Symbols, g.Configs, g.ExitRules, func(current, total int, msg string) {
		fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", current, total, msg)
	})
	if err != nil && len(table) == 0 {
		log.Fatalf("batch failed: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]any{"results": table, "stats": stats})
	} else {
		printTable(table, stats)
	}
	if err != nil {
		log.Fatalf("batch interrupted: %v", err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func resolveSymbols(ctx context.Context, bars store.BarStore, s string) ([]string, error) {
	if strings.EqualFold(s, "all") {
		return bars.ListSymbols(ctx)
	}
	symbols := splitList(strings.ToUpper(s))
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols given", domain.ErrInvalidInput)
	}
	return symbols, nil
}

// buildConfigs expands grid when set, otherwise returns one config with the
// fixed params.
func buildConfigs(name, params, grid string) ([]domain.StrategyConfig, error) {
	if grid == "" {
		p := domain.Params{}
		for _, kv := range splitList(params) {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("%w: param %q is not key=value", domain.ErrInvalidInput, kv)
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: param %s: %v", domain.ErrInvalidInput, k, err)
			}
			p[strings.TrimSpace(k)] = f
		}
		return []domain.StrategyConfig{{Name: name, Params: p}}, nil
	}

	axes := map[string][]float64{}
	for _, axis := range strings.Split(grid, ";") {
		k, vs, ok := strings.Cut(axis, "=")
		if !ok {
			return nil, fmt.Errorf("%w: grid axis %q is not key=v1,v2", domain.ErrInvalidInput, axis)
		}
		for _, v := range splitList(vs) {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: grid %s: %v", domain.ErrInvalidInput, k, err)
			}
			axes[strings.TrimSpace(k)] = append(axes[strings.TrimSpace(k)], f)
		}
	}
	return strategy.ExpandGrid(name, axes), nil
}

func printTable(table batch.Table, stats batch.JobStats) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSTRATEGY\tHASH\tEXIT\tTRADES\tWIN%\tRETURN%\tSHARPE\tMAXDD%")
	for _, r := range table {
		m := r.Metrics
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.1f\t%.2f\t%.2f\t%.2f\n",
			r.Symbol, r.Strategy, r.ParamsHash, r.ExitRule, m.NumTrades,
			m.WinRate*100, m.TotalReturn*100, m.SharpeRatio, m.MaxDrawdown*100)
	}
	tw.Flush()
	fmt.Printf("\n%d/%d succeeded (%.0f%%), %d failed\n", stats.Completed, stats.Total, stats.SuccessRate*100, stats.Failed)
	for _, e := range stats.Errors {
		fmt.Printf("  %s\n", e.Error())
	}
}
