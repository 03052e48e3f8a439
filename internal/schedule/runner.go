// Package schedule runs saved group sets as batches on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"backtestlab/internal/batch"
	"backtestlab/internal/domain"
	"backtestlab/internal/results"
)

// ErrAlreadyRunning is returned by Run when the group set's previous run has
// not finished.
var ErrAlreadyRunning = errors.New("group set already running")

// GroupSetLoader loads saved group sets.
type GroupSetLoader interface {
	LoadGroupSet(ctx context.Context, name string) (results.GroupSet, bool, error)
}

// BatchRunner runs a batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, symbols []string, configs []domain.StrategyConfig, exitRules []string, progress batch.ProgressFunc) (batch.Table, batch.JobStats, error)
}

// Runner triggers group-set batches from cron specs. A group set whose
// previous run is still going is skipped.
type Runner struct {
	cron    *cron.Cron
	sets    GroupSetLoader
	batches BatchRunner
	baseCtx context.Context
	log     *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New creates a Runner. Jobs run with baseCtx, which may be nil.
func New(sets GroupSetLoader, batches BatchRunner, baseCtx context.Context, log *slog.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(),
		sets:    sets,
		batches: batches,
		baseCtx: baseCtx,
		log:     log.With("component", "schedule"),
		running: make(map[string]bool),
	}
}

// Add schedules the named group set with a standard five-field cron spec or
// a descriptor such as "@daily".
func (r *Runner) Add(name, spec string) error {
	_, err := r.cron.AddFunc(spec, func() {
		if _, _, err := r.Run(r.baseCtx, name); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			r.log.Error("scheduled batch failed", "group_set", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: schedule %q for %s: %v", domain.ErrInvalidInput, spec, name, err)
	}
	r.log.Info("scheduled group set", "group_set", name, "spec", spec)
	return nil
}

// AddAll schedules every entry of specs, keyed by group-set name, in name
// order.
func (r *Runner) AddAll(specs map[string]string) error {
	names := make([]string, 0, len(specs))
	for n := range specs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := r.Add(n, specs[n]); err != nil {
			return err
		}
	}
	return nil
}

// Run loads the group set and runs it as one batch. It returns
// domain.ErrNotFound for an unknown set and ErrAlreadyRunning, without
// running anything, when the set is still running.
func (r *Runner) Run(ctx context.Context, name string) (batch.Table, batch.JobStats, error) {
	if !r.acquire(name) {
		r.log.Warn("group set still running, skipping", "group_set", name)
		return nil, batch.JobStats{}, fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
	}
	defer r.release(name)

	g, found, err := r.sets.LoadGroupSet(ctx, name)
	if err != nil {
		return nil, batch.JobStats{}, err
	}
	if !found {
		return nil, batch.JobStats{}, fmt.Errorf("group set %q: %w", name, domain.ErrNotFound)
	}

	r.log.Info("running group set", "group_set", name, "symbols", len(g.Symbols), "configs", len(g.Configs))
	table, stats, err := r.batches.RunBatch(ctx, g.Symbols, g.Configs, g.ExitRules, nil)
	if err != nil {
		return table, stats, err
	}
	r.log.Info("group set done", "group_set", name, "completed", stats.Completed, "failed", stats.Failed)
	return table, stats, nil
}

// Start starts the scheduler in its own goroutine.
func (r *Runner) Start() {
	r.cron.Start()
	r.log.Info("scheduler started", "entries", len(r.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info("scheduler stopped")
}

func (r *Runner) acquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] {
		return false
	}
	r.running[name] = true
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.running, name)
	r.mu.Unlock()
}
