// Package scan screens symbols on their latest indicator values and joins
// the best stored backtest for the matching strategy.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/moznion/go-optional"

	"backtestlab/internal/domain"
	"backtestlab/internal/indicator"
	"backtestlab/internal/results"
	"backtestlab/internal/store"
)

// Hit is one symbol matching a scan.
type Hit struct {
	Symbol   string                           `json:"symbol"`
	Date     time.Time                        `json:"date"`
	Close    float64                          `json:"close"`
	Values   map[string]float64               `json:"values"` // keyed by indicator column
	Backtest optional.Option[results.Summary] `json:"backtest"`
}

// Scanner evaluates scans against the indicator cache.
type Scanner struct {
	bars    store.BarStore
	cache   *indicator.Cache
	results *results.Store
	log     *slog.Logger
}

// NewScanner creates a Scanner. A nil results store skips the backtest join.
func NewScanner(bars store.BarStore, cache *indicator.Cache, res *results.Store, log *slog.Logger) *Scanner {
	return &Scanner{bars: bars, cache: cache, results: res, log: log.With("component", "scanner")}
}

// RSIOversold returns symbols whose latest RSI is below threshold, most
// oversold first, joined with the best rsi_meanrev backtest.
func (s *Scanner) RSIOversold(ctx context.Context, symbols []string, period int, threshold float64) ([]Hit, error) {
	return s.rsi(ctx, symbols, period, func(v float64) bool { return v < threshold }, true)
}

// RSIOverbought returns symbols whose latest RSI is above threshold, most
// overbought first.
func (s *Scanner) RSIOverbought(ctx context.Context, symbols []string, period int, threshold float64) ([]Hit, error) {
	return s.rsi(ctx, symbols, period, func(v float64) bool { return v > threshold }, false)
}

func (s *Scanner) rsi(ctx context.Context, symbols []string, period int, match func(float64) bool, asc bool) ([]Hit, error) {
	if period < 1 {
		return nil, fmt.Errorf("%w: rsi period %d", domain.ErrInvalidParameter, period)
	}
	spec := indicator.Spec{Name: "rsi", Period: period}
	hits, err := s.scan(ctx, symbols, []indicator.Spec{spec}, func(last, _ map[string]float64) bool {
		return match(last[spec.Column()])
	})
	if err != nil {
		return nil, err
	}
	col := spec.Column()
	sort.SliceStable(hits, func(i, j int) bool {
		if asc {
			return hits[i].Values[col] < hits[j].Values[col]
		}
		return hits[i].Values[col] > hits[j].Values[col]
	})
	return hits, s.join(ctx, hits, "rsi_meanrev")
}

// MACrossover returns symbols whose fast SMA crossed the slow SMA on the
// latest bar, upward when bullish and downward otherwise.
func (s *Scanner) MACrossover(ctx context.Context, symbols []string, fast, slow int, bullish bool) ([]Hit, error) {
	if fast < 1 || slow <= fast {
		return nil, fmt.Errorf("%w: need 1 <= fast < slow, got %d/%d", domain.ErrInvalidParameter, fast, slow)
	}
	fs, ss := indicator.Spec{Name: "sma", Period: fast}, indicator.Spec{Name: "sma", Period: slow}
	hits, err := s.scan(ctx, symbols, []indicator.Spec{fs, ss}, func(last, prev map[string]float64) bool {
		if prev == nil {
			return false
		}
		f0, s0 := prev[fs.Column()], prev[ss.Column()]
		f1, s1 := last[fs.Column()], last[ss.Column()]
		if bullish {
			return f0 <= s0 && f1 > s1
		}
		return f0 >= s0 && f1 < s1
	})
	if err != nil {
		return nil, err
	}
	return hits, s.join(ctx, hits, "ma_crossover")
}

// Pattern returns symbols whose latest bar completes the named candlestick
// pattern, in the order given.
func (s *Scanner) Pattern(ctx context.Context, symbols []string, name string) ([]Hit, error) {
	if !indicator.IsPattern(name) {
		return nil, fmt.Errorf("%w: unknown candlestick pattern %q", domain.ErrInvalidParameter, name)
	}
	spec := indicator.Spec{Name: name}
	return s.scan(ctx, symbols, []indicator.Spec{spec}, func(last, _ map[string]float64) bool {
		return last[spec.Column()] == 1
	})
}

// scan evaluates match on the last two bars of each symbol. Symbols whose
// data is missing or whose latest values are undefined are skipped; only
// context cancellation aborts the scan.
func (s *Scanner) scan(
	ctx context.Context,
	symbols []string,
	specs []indicator.Spec,
	match func(last, prev map[string]float64) bool,
) ([]Hit, error) {
	hits := []Hit{}
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		price, err := s.bars.ReadSeries(ctx, sym)
		if err != nil {
			s.log.Debug("skipping symbol", "symbol", sym, "error", err)
			continue
		}
		n := price.Len()
		last := make(map[string]float64, len(specs))
		var prev map[string]float64
		if n > 1 {
			prev = make(map[string]float64, len(specs))
		}
		ok := true
		for _, spec := range specs {
			col, err := s.cache.Aligned(ctx, price, spec)
			if err != nil || !col.Defined(n-1) {
				if err != nil {
					s.log.Warn("indicator unavailable", "symbol", sym, "column", spec.Column(), "error", err)
				}
				ok = false
				break
			}
			last[spec.Column()] = col.Values[n-1]
			if prev != nil {
				if !col.Defined(n - 2) {
					prev = nil
				} else {
					prev[spec.Column()] = col.Values[n-2]
				}
			}
		}
		if !ok || !match(last, prev) {
			continue
		}
		bar := price.Bars[n-1]
		hits = append(hits, Hit{
			Symbol:   price.Symbol,
			Date:     bar.Timestamp,
			Close:    bar.Close,
			Values:   last,
			Backtest: optional.None[results.Summary](),
		})
	}
	return hits, nil
}

// join attaches the best stored backtest by Sharpe ratio for strategy.
func (s *Scanner) join(ctx context.Context, hits []Hit, strategy string) error {
	if s.results == nil || len(hits) == 0 {
		return nil
	}
	for i := range hits {
		best, err := s.results.Query(ctx, results.Filter{
			Symbol:   hits[i].Symbol,
			Strategy: strategy,
			OrderBy:  "sharpe_ratio",
			Limit:    1,
		})
		if err != nil && !errors.Is(err, domain.ErrDataCorruption) {
			return err
		}
		if err != nil {
			s.log.Warn("corrupt backtest rows skipped", "symbol", hits[i].Symbol, "error", err)
		}
		if len(best) > 0 {
			hits[i].Backtest = optional.Some(best[0])
		}
	}
	return nil
}
