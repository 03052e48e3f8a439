package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"backtestlab/internal/config"
	"backtestlab/internal/domain"
	"backtestlab/internal/indicator"
	"backtestlab/internal/results"
	"backtestlab/internal/sim"
	"backtestlab/internal/store"
	"backtestlab/internal/strategy"
	"backtestlab/internal/strategy/builtins"
)

// panicky panics while declaring its requirements.
type panicky struct{}

func (panicky) Name() string            { return "panicky" }
func (panicky) Defaults() domain.Params { return domain.Params{} }
func (panicky) Requirements(domain.Params) ([]indicator.Spec, error) {
	panic("boom")
}
func (panicky) Signals(domain.PriceSeries, map[string]indicator.Series, domain.Params) (domain.SignalSeries, error) {
	return domain.SignalSeries{}, nil
}

type progressCall struct {
	current, total int
	message        string
}

type BatchTestSuite struct {
	suite.Suite
	ctx      context.Context
	bars     *store.ParquetStore
	cache    *indicator.Cache
	registry *strategy.Registry
	results  *results.Store
	events   []Event
}

func TestBatchSuite(t *testing.T) {
	suite.Run(t, new(BatchTestSuite))
}

func (s *BatchTestSuite) SetupTest() {
	s.ctx = context.Background()
	dir := s.T().TempDir()

	s.bars = store.NewParquetStore(filepath.Join(dir, "bars"))
	t0 := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for k, sym := range []string{"AAA", "BBB", "CCC"} {
		bars := make([]domain.Bar, 0, 160)
		for i := 0; i < 160; i++ {
			c := 100 + 10*math.Sin(float64(i)/(8+float64(k))) + 0.05*float64(i)
			bars = append(bars, domain.Bar{
				Symbol:    sym,
				Timestamp: t0.AddDate(0, 0, i),
				Open:      c,
				High:      c + 1,
				Low:       c - 1,
				Close:     c,
				Volume:    1000,
			})
		}
		s.Require().NoError(s.bars.WriteBars(s.ctx, bars))
	}

	s.cache = indicator.NewCache(s.bars, filepath.Join(dir, "indicators"), slog.Default())
	s.registry = builtins.NewRegistry()
	s.registry.Register(panicky{})

	index, err := results.OpenIndex(s.ctx, "sqlite", filepath.Join(dir, "index.db"))
	s.Require().NoError(err)
	s.results = results.New(index, results.NewFilePayloads(filepath.Join(dir, "payloads"), nil), slog.Default())
	s.events = nil
}

func (s *BatchTestSuite) TearDownTest() {
	s.Require().NoError(s.results.Close())
}

func (s *BatchTestSuite) orchestrator(workers int) *Orchestrator {
	notifier := NotifierFunc(func(_ context.Context, ev Event) { s.events = append(s.events, ev) })
	return NewOrchestrator(s.bars, s.cache, s.registry, s.results, notifier, Options{Workers: workers}, slog.Default())
}

func configs() []domain.StrategyConfig {
	return []domain.StrategyConfig{
		{Name: "ma_crossover", Params: domain.Params{"fast_period": 5, "slow_period": 20}},
		{Name: "ma_crossover", Params: domain.Params{"fast_period": 10, "slow_period": 30}},
	}
}

func (s *BatchTestSuite) TestFullSuccess() {
	var calls []progressCall
	table, stats, err := s.orchestrator(1).RunBatch(s.ctx,
		[]string{"AAA", "BBB", "CCC"}, configs(), []string{"default", "trailing_stop"},
		func(cur, total int, msg string) { calls = append(calls, progressCall{cur, total, msg}) })
	s.Require().NoError(err)

	s.Equal(12, stats.Total)
	s.Equal(12, stats.Completed)
	s.Equal(0, stats.Failed)
	s.Equal(1.0, stats.SuccessRate)
	s.Empty(stats.Errors)
	s.Len(table, 12)

	stored, err := s.results.Query(s.ctx, results.Filter{})
	s.Require().NoError(err)
	s.Len(stored, 12)

	s.Require().Len(calls, 12)
	for i, c := range calls {
		s.Equal(i+1, c.current)
		s.Equal(12, c.total)
	}

	// Jobs expand symbols outermost and exit rules innermost.
	s.Equal("AAA", table[0].Symbol)
	s.Equal("signal_exit", table[0].ExitRule)
	s.Equal("trailing_stop", table[1].ExitRule)
	s.Equal(5.0, table[0].Params["fast_period"])
	s.Equal(10.0, table[2].Params["fast_period"])
	s.Equal("CCC", table[11].Symbol)

	s.Len(s.events, 13)
	s.Require().NotNil(s.events[0].Key)
	s.Equal(table[0].ParamsHash, s.events[0].Key.ParamsHash)
	s.Equal(EventBatch, s.events[12].Type)
	s.Nil(s.events[12].Key)

	data, err := json.Marshal(s.events[12])
	s.Require().NoError(err)
	s.NotContains(string(data), `"key"`)
	data, err = json.Marshal(s.events[0])
	s.Require().NoError(err)
	s.Contains(string(data), `"key":{`)
}

func (s *BatchTestSuite) TestFailingJobIsIsolated() {
	table, stats, err := s.orchestrator(1).RunBatch(s.ctx,
		[]string{"AAA", "NOPE", "CCC"}, configs()[:1], nil, nil)
	s.Require().NoError(err)

	s.Equal(3, stats.Total)
	s.Equal(2, stats.Completed)
	s.Equal(1, stats.Failed)
	s.InDelta(2.0/3.0, stats.SuccessRate, 1e-12)
	s.Require().Len(stats.Errors, 1)
	s.Equal("NOPE", stats.Errors[0].Symbol)
	s.Equal("ma_crossover", stats.Errors[0].Strategy)
	s.Equal("signal_exit", stats.Errors[0].ExitRule)
	s.NotEmpty(stats.Errors[0].Message)
	s.Len(table, 2)

	for _, sym := range []string{"AAA", "CCC"} {
		rows, err := s.results.Query(s.ctx, results.Filter{Symbol: sym})
		s.Require().NoError(err)
		s.Len(rows, 1, sym)
	}
	rows, err := s.results.Query(s.ctx, results.Filter{Symbol: "NOPE"})
	s.Require().NoError(err)
	s.Empty(rows)
}

func (s *BatchTestSuite) TestStrategyFailuresAreIsolated() {
	cfgs := []domain.StrategyConfig{
		{Name: "unknown_strategy"},
		{Name: "panicky"},
		{Name: "ma_crossover", Params: domain.Params{"fast_period": 30, "slow_period": 10}},
		{Name: "ma_crossover"},
	}
	table, stats, err := s.orchestrator(1).RunBatch(s.ctx, []string{"AAA"}, cfgs, []string{"default"}, nil)
	s.Require().NoError(err)

	s.Equal(4, stats.Total)
	s.Equal(1, stats.Completed)
	s.Equal(3, stats.Failed)
	s.Contains(stats.Errors[1].Message, "boom")
	s.Require().Len(table, 1)

	// An omitted parameter set runs with the strategy defaults.
	s.Equal(20.0, table[0].Params["fast_period"])
	s.Equal(50.0, table[0].Params["slow_period"])
	s.Equal(results.HashParams(domain.Params{"fast_period": 20, "slow_period": 50}), table[0].ParamsHash)
}

func (s *BatchTestSuite) TestInvalidExitRuleFailsBatch() {
	var calls int
	_, _, err := s.orchestrator(1).RunBatch(s.ctx, []string{"AAA"}, configs(), []string{"moonshot"},
		func(int, int, string) { calls++ })
	s.ErrorIs(err, domain.ErrInvalidInput)
	s.Zero(calls)
}

func (s *BatchTestSuite) TestWorkerPoolPreservesOrder() {
	symbols := []string{"AAA", "BBB", "CCC", "NOPE"}
	rules := []string{"default", "fixed_stop", "profit_target"}

	var seqCalls []progressCall
	seqTable, seqStats, err := s.orchestrator(1).RunBatch(s.ctx, symbols, configs(), rules,
		func(cur, total int, msg string) { seqCalls = append(seqCalls, progressCall{cur, total, msg}) })
	s.Require().NoError(err)

	var poolCalls []progressCall
	poolTable, poolStats, err := s.orchestrator(4).RunBatch(s.ctx, symbols, configs(), rules,
		func(cur, total int, msg string) { poolCalls = append(poolCalls, progressCall{cur, total, msg}) })
	s.Require().NoError(err)

	s.Equal(24, poolStats.Total)
	s.Equal(18, poolStats.Completed)
	s.Equal(6, poolStats.Failed)
	s.Equal(seqCalls, poolCalls)
	s.Equal(seqTable, poolTable)
	s.Equal(seqStats, poolStats)
}

func (s *BatchTestSuite) TestCancelStopsBetweenJobs() {
	for _, workers := range []int{1, 3} {
		s.Run(fmt.Sprintf("workers=%d", workers), func() {
			ctx, cancel := context.WithCancel(s.ctx)
			defer cancel()

			table, stats, err := s.orchestrator(workers).RunBatch(ctx,
				[]string{"AAA", "BBB", "CCC"}, configs(), []string{"default", "trailing_stop"},
				func(cur, _ int, _ string) {
					if cur == 3 {
						cancel()
					}
				})
			s.True(errors.Is(err, context.Canceled), "err = %v", err)
			s.Equal(12, stats.Total)
			s.Equal(3, stats.Completed)
			s.Equal(0, stats.Failed)
			s.Len(table, 3)
		})
	}
}

func (s *BatchTestSuite) TestExpandCounts() {
	rules, err := ParseExitRules([]string{"default", "trailing_stop:0.08"})
	s.Require().NoError(err)
	jobs := Expand([]string{"A", "B", "C"}, configs(), rules)
	s.Len(jobs, 12)
	for i, j := range jobs {
		s.Equal(i, j.Index)
	}
	s.Equal("trailing_stop:0.08", jobs[11].Rule.Name())

	s.Len(Expand([]string{"A"}, configs(), nil), 2)
	s.Empty(Expand(nil, configs(), rules))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Batch.Workers = 4
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Workers != 4 || opts.Sim.InitialCapital != 10000 || opts.Sim.Sizing.Kind != sim.SizingEquityFraction {
		t.Errorf("opts = %+v", opts)
	}

	cfg.Backtest.Sizing = "fixed_notional"
	if _, err := OptionsFromConfig(cfg); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("fixed_notional without notional: err = %v", err)
	}
}
