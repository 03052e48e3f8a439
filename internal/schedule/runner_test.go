package schedule

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"backtestlab/internal/batch"
	"backtestlab/internal/domain"
	"backtestlab/internal/results"
)

type fakeSets map[string]results.GroupSet

func (f fakeSets) LoadGroupSet(_ context.Context, name string) (results.GroupSet, bool, error) {
	g, ok := f[name]
	return g, ok, nil
}

type fakeBatches struct {
	calls   int
	symbols []string
	rules   []string
	started chan struct{}
	block   chan struct{}
}

func (f *fakeBatches) RunBatch(_ context.Context, symbols []string, configs []domain.StrategyConfig, rules []string, _ batch.ProgressFunc) (batch.Table, batch.JobStats, error) {
	f.calls++
	f.symbols, f.rules = symbols, rules
	if f.block != nil {
		close(f.started)
		<-f.block
	}
	n := len(symbols) * len(configs) * max(len(rules), 1)
	table := make(batch.Table, 0, n)
	for _, sym := range symbols {
		for _, cfg := range configs {
			for _, rule := range rules {
				table = append(table, batch.Row{Symbol: sym, Strategy: cfg.Name, ExitRule: rule})
			}
		}
	}
	return table, batch.JobStats{Total: n, Completed: n, SuccessRate: 1}, nil
}

var tech = results.GroupSet{
	Name:      "tech",
	Symbols:   []string{"AAPL", "MSFT"},
	Configs:   []domain.StrategyConfig{{Name: "ma_crossover"}},
	ExitRules: []string{"default", "fixed_stop"},
}

func TestRunLoadsGroupSet(t *testing.T) {
	b := &fakeBatches{}
	r := New(fakeSets{"tech": tech}, b, nil, slog.Default())

	table, stats, err := r.Run(context.Background(), "tech")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Total != 4 || b.calls != 1 || len(b.symbols) != 2 || b.rules[1] != "fixed_stop" {
		t.Errorf("stats = %+v, batches = %+v", stats, b)
	}
	if len(table) != 4 || table[3].Symbol != "MSFT" {
		t.Errorf("table = %+v", table)
	}

	if _, _, err := r.Run(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Run(nope) = %v, want ErrNotFound", err)
	}
}

func TestRunSkipsOverlap(t *testing.T) {
	b := &fakeBatches{started: make(chan struct{}), block: make(chan struct{})}
	r := New(fakeSets{"tech": tech}, b, nil, slog.Default())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), "tech")
	}()
	<-b.started

	table, stats, err := r.Run(context.Background(), "tech")
	if !errors.Is(err, ErrAlreadyRunning) || stats.Total != 0 || table != nil {
		t.Errorf("overlapping Run = %+v, %v; want ErrAlreadyRunning", stats, err)
	}
	close(b.block)
	<-done
	if b.calls != 1 {
		t.Errorf("RunBatch calls = %d, want 1", b.calls)
	}
}

func TestAddRejectsBadSpec(t *testing.T) {
	r := New(fakeSets{}, &fakeBatches{}, nil, slog.Default())
	if err := r.AddAll(map[string]string{"tech": "@daily", "bad": "not a spec"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("AddAll = %v, want ErrInvalidInput", err)
	}
	if err := r.Add("tech", "30 16 * * 1-5"); err != nil {
		t.Errorf("Add = %v", err)
	}
	r.Start()
	r.Stop()
}
