package batch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"backtestlab/internal/config"
	"backtestlab/internal/domain"
	"backtestlab/internal/indicator"
	"backtestlab/internal/results"
	"backtestlab/internal/sim"
	"backtestlab/internal/store"
	"backtestlab/internal/strategy"
)

// ProgressFunc is called once per job, in job order, after the job's result
// has been persisted or its failure recorded.
type ProgressFunc func(current, total int, message string)

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds concurrent simulations. Values <= 1 run jobs one at a
	// time.
	Workers int
	Sim     sim.Options
}

// OptionsFromConfig builds Options from the batch and backtest sections.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	sizing, err := sim.NewSizingPolicy(cfg.Backtest.Sizing, cfg.Backtest.Notional, cfg.Backtest.EquityFraction)
	if err != nil {
		return Options{}, err
	}
	if cfg.Backtest.InitialCapital <= 0 {
		return Options{}, fmt.Errorf("%w: initial capital must be positive", domain.ErrInvalidInput)
	}
	return Options{
		Workers: cfg.Batch.Workers,
		Sim: sim.Options{
			InitialCapital: cfg.Backtest.InitialCapital,
			Sizing:         sizing,
			PeriodsPerYear: cfg.Backtest.PeriodsPerYear,
		},
	}, nil
}

// Orchestrator runs batches of simulations.
type Orchestrator struct {
	bars     store.BarStore
	cache    *indicator.Cache
	registry *strategy.Registry
	results  *results.Store
	notifier Notifier
	opts     Options
	log      *slog.Logger
}

// NewOrchestrator creates an Orchestrator wired with the given dependencies.
// A nil notifier disables batch events.
func NewOrchestrator(
	bars store.BarStore,
	cache *indicator.Cache,
	registry *strategy.Registry,
	res *results.Store,
	notifier Notifier,
	opts Options,
	log *slog.Logger,
) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if opts.Sim == (sim.Options{}) {
		opts.Sim = sim.DefaultOptions()
	}
	return &Orchestrator{
		bars:     bars,
		cache:    cache,
		registry: registry,
		results:  res,
		notifier: notifier,
		opts:     opts,
		log:      log.With("component", "batch"),
	}
}

// outcome is the result of running one job, before it is committed.
type outcome struct {
	key    results.Key
	params domain.Params
	res    domain.SimulationResult
	err    error
}

// RunBatch runs every job in symbols × configs × exit rules. A malformed
// exit rule name fails the whole batch with domain.ErrInvalidInput before
// any job runs; every other failure is recorded in JobStats and the batch
// continues. Results and progress are committed strictly in job order.
//
// Cancelling ctx stops the batch between jobs: committed jobs stay
// persisted, unstarted jobs are counted in neither Completed nor Failed, and
// the context error is returned with the partial table and stats.
func (o *Orchestrator) RunBatch(
	ctx context.Context,
	symbols []string,
	configs []domain.StrategyConfig,
	exitRules []string,
	progress ProgressFunc,
) (Table, JobStats, error) {
	rules, err := ParseExitRules(exitRules)
	if err != nil {
		return nil, JobStats{}, err
	}
	if progress == nil {
		progress = func(int, int, string) {}
	}

	jobs := Expand(symbols, configs, rules)
	stats := JobStats{Total: len(jobs), Errors: []JobError{}}
	table := make(Table, 0, len(jobs))
	o.log.Info("batch started", "jobs", len(jobs), "symbols", len(symbols), "configs", len(configs), "exit_rules", len(rules))

	commit := func(j Job, out *outcome) {
		if out.err == nil {
			out.err = o.results.Put(ctx, results.NewRecord(out.key, out.params, out.res))
		}
		var msg string
		if out.err != nil {
			stats.fail(j, out.err)
			o.log.Warn("job failed",
				"symbol", j.Symbol,
				"strategy", j.Config.Name,
				"params_hash", out.key.ParamsHash,
				"exit_rule", j.Rule.Name(),
				"error", out.err,
			)
			msg = fmt.Sprintf("%s: failed: %v", j.Describe(), out.err)
		} else {
			stats.succeed()
			table = append(table, newRow(out.key, out.params, out.res.Metrics))
			key := out.key
			o.notifier.Notify(ctx, Event{Type: EventResult, Key: &key, Metrics: &out.res.Metrics})
			msg = fmt.Sprintf("%s: %d trades", j.Describe(), out.res.Metrics.NumTrades)
		}
		progress(j.Index+1, len(jobs), msg)
	}

	if o.opts.Workers <= 1 {
		err = o.runSequential(ctx, jobs, commit)
	} else {
		err = o.runPool(ctx, jobs, commit)
	}

	o.log.Info("batch finished", "total", stats.Total, "completed", stats.Completed, "failed", stats.Failed)
	o.notifier.Notify(ctx, Event{Type: EventBatch, Stats: &stats})
	return table, stats, err
}

func (o *Orchestrator) runSequential(ctx context.Context, jobs []Job, commit func(Job, *outcome)) error {
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := o.run(ctx, j)
		if err := ctx.Err(); err != nil {
			return err
		}
		commit(j, &out)
	}
	return nil
}

// slot carries one pooled job's outcome from its worker to the committer.
type slot struct {
	outcome
	skipped bool
	done    chan struct{}
}

// runPool simulates up to Workers jobs at once while the calling goroutine
// commits finished jobs in job order.
func (o *Orchestrator) runPool(ctx context.Context, jobs []Job, commit func(Job, *outcome)) error {
	slots := make([]*slot, len(jobs))
	for i := range slots {
		slots[i] = &slot{done: make(chan struct{})}
	}

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, j := range jobs {
			if ctx.Err() != nil {
				for _, s := range slots[i:] {
					s.skipped = true
					close(s.done)
				}
				return
			}
			s := slots[i]
			g.Go(func() error {
				s.outcome = o.run(ctx, j)
				close(s.done)
				return nil
			})
		}
	}()
	// Workers never return errors; Wait only drains them once the launcher
	// has stopped adding work.
	defer func() {
		<-launched
		g.Wait()
	}()

	for i, j := range jobs {
		s := slots[i]
		<-s.done
		if s.skipped {
			return ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		commit(j, &s.outcome)
	}
	return nil
}

// run executes one job. Panics are recovered into the job's error so a
// faulty strategy cannot take down the batch.
func (o *Orchestrator) run(ctx context.Context, j Job) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("panic: %v", r)
		}
	}()

	strat, err := o.registry.Lookup(j.Config.Name)
	if err != nil {
		out.err = err
		return out
	}
	params := strat.Defaults().Clone()
	for k, v := range j.Config.Params {
		params[k] = v
	}
	cfg := domain.StrategyConfig{Name: j.Config.Name, Params: params}
	out.params = params
	out.key = results.NewKey(j.Symbol, cfg, j.Rule)

	out.res, out.err = o.simulate(ctx, j.Symbol, strat, params, j.Rule)
	return out
}

func (o *Orchestrator) simulate(
	ctx context.Context,
	symbol string,
	strat strategy.Strategy,
	params domain.Params,
	rule domain.ExitRule,
) (domain.SimulationResult, error) {
	specs, err := strat.Requirements(params)
	if err != nil {
		return domain.SimulationResult{}, err
	}
	price, err := o.bars.ReadSeries(ctx, symbol)
	if err != nil {
		return domain.SimulationResult{}, err
	}
	inputs := make(map[string]indicator.Series, len(specs))
	for _, spec := range specs {
		s, err := o.cache.Aligned(ctx, price, spec)
		if err != nil {
			return domain.SimulationResult{}, fmt.Errorf("indicator %s: %w", spec.Column(), err)
		}
		inputs[spec.Column()] = s
	}
	signals, err := strat.Signals(price, inputs, params)
	if err != nil {
		return domain.SimulationResult{}, err
	}
	return sim.Simulate(price, signals, rule, o.opts.Sim)
}
