package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"backtestlab/internal/api"
	"backtestlab/internal/batch"
	"backtestlab/internal/config"
	"backtestlab/internal/indicator"
	"backtestlab/internal/results"
	"backtestlab/internal/scan"
	"backtestlab/internal/schedule"
	"backtestlab/internal/store"
	"backtestlab/internal/strategy/builtins"
	"backtestlab/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage.
	bars := store.NewParquetStore(cfg.Storage.DataDir)
	cache := indicator.NewCache(bars, cfg.Indicators.Dir, logger)

	var ledger results.Ledger
	if cfg.Results.RedisAddr != "" {
		redis := results.NewRedisLedger(cfg.Results.RedisAddr)
		defer redis.Close()
		ledger = redis
		logger.Info("trade ledgers in redis", "addr", cfg.Results.RedisAddr)
	}
	res, err := results.Open(ctx, results.Options{
		Dir:    cfg.Results.Dir,
		Driver: cfg.Results.Driver,
		DSN:    cfg.Results.DSN,
		Ledger: ledger,
	}, logger)
	if err != nil {
		log.Fatalf("opening results store: %v", err)
	}
	defer res.Close()

	// Batch notifications fan out to WebSocket subscribers and, when
	// configured, Kafka.
	hub := api.NewHub(logger)
	notifiers := batch.Notifiers{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kn := batch.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer kn.Close()
		notifiers = append(notifiers, kn)
	}

	opts, err := batch.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid backtest config: %v", err)
	}
	registry := builtins.NewRegistry()
	orch := batch.NewOrchestrator(bars, cache, registry, res, notifiers, opts, logger)

	runner := schedule.New(res, orch, ctx, logger)
	if err := runner.AddAll(cfg.Schedule.GroupSets); err != nil {
		log.Fatalf("scheduling group sets: %v", err)
	}
	runner.Start()
	defer runner.Stop()

	srv := api.NewServer(cfg.Server, api.Deps{
		Results:  res,
		Cache:    cache,
		Registry: registry,
		Batches:  orch,
		Scanner:  scan.NewScanner(bars, cache, res, logger),
		Schedule: runner,
		Hub:      hub,
	}, logger)

	slog.Info("backtestlab-server starting",
		"dataDir", cfg.Storage.DataDir,
		"results", filepath.Clean(cfg.Results.Dir),
		"driver", cfg.Results.Driver,
		"workers", opts.Workers,
	)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
