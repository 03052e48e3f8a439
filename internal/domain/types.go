// Package domain defines the core value types shared by the indicator cache,
// the simulation engine, the results store, and the batch orchestrator.
package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Price data
// ---------------------------------------------------------------------------

// Bar is a single OHLCV observation for one symbol.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// PriceSeries is the time-ordered bar history of one symbol. It is treated as
// immutable once loaded.
type PriceSeries struct {
	Symbol string
	Bars   []Bar
}

// Len returns the number of bars in the series.
func (s PriceSeries) Len() int { return len(s.Bars) }

// Closes returns the close prices in timestamp order.
func (s PriceSeries) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Timestamps returns the bar timestamps in order.
func (s PriceSeries) Timestamps() []time.Time {
	out := make([]time.Time, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Timestamp
	}
	return out
}

// ---------------------------------------------------------------------------
// Strategy configuration
// ---------------------------------------------------------------------------

// Params is a typed strategy parameter mapping. Iteration order is never
// significant; use Keys for a deterministic order.
type Params map[string]float64

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Float returns the named parameter or def when it is absent.
func (p Params) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Int returns the named parameter truncated to an int, or def when absent.
func (p Params) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(v)
	}
	return def
}

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String renders the parameters as "a=1,b=2" in key order.
func (p Params) String() string {
	parts := make([]string, 0, len(p))
	for _, k := range p.Keys() {
		parts = append(parts, k+"="+strconv.FormatFloat(p[k], 'g', -1, 64))
	}
	return strings.Join(parts, ",")
}

// StrategyConfig names a strategy and the parameter set to run it with.
type StrategyConfig struct {
	Name   string `json:"name" yaml:"name"`
	Params Params `json:"params" yaml:"params"`
}

// ---------------------------------------------------------------------------
// Exit rules
// ---------------------------------------------------------------------------

// ExitRuleKind selects how an open position is closed independently of the
// entry signal.
type ExitRuleKind string

const (
	ExitSignal       ExitRuleKind = "signal_exit"
	ExitTrailingStop ExitRuleKind = "trailing_stop"
	ExitProfitTarget ExitRuleKind = "profit_target"
	ExitFixedStop    ExitRuleKind = "fixed_stop"
)

// Default thresholds, as fractions of the entry (or extreme) price.
const (
	DefaultTrailingStop = 0.05
	DefaultProfitTarget = 0.10
	DefaultFixedStop    = 0.05
)

// ExitRule is an exit policy with its numeric threshold. Threshold is unused
// for ExitSignal.
type ExitRule struct {
	Kind      ExitRuleKind
	Threshold float64
}

// Name returns the canonical rule name used in backtest keys. Rules that use
// their default threshold render as the bare kind ("trailing_stop"); others
// append the threshold ("trailing_stop:0.08").
func (r ExitRule) Name() string {
	if r.Kind == ExitSignal || r.Threshold == defaultThreshold(r.Kind) {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + strconv.FormatFloat(r.Threshold, 'g', -1, 64)
}

func defaultThreshold(k ExitRuleKind) float64 {
	switch k {
	case ExitTrailingStop:
		return DefaultTrailingStop
	case ExitProfitTarget:
		return DefaultProfitTarget
	case ExitFixedStop:
		return DefaultFixedStop
	}
	return 0
}

// ParseExitRule parses "default", a bare kind, or "kind:threshold".
func ParseExitRule(s string) (ExitRule, error) {
	name, arg, hasArg := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	kind := ExitRuleKind(name)
	switch name {
	case "", "default", string(ExitSignal):
		if hasArg {
			return ExitRule{}, fmt.Errorf("%w: exit rule %q takes no threshold", ErrInvalidInput, s)
		}
		return ExitRule{Kind: ExitSignal}, nil
	case string(ExitTrailingStop), string(ExitProfitTarget), string(ExitFixedStop):
	default:
		return ExitRule{}, fmt.Errorf("%w: unknown exit rule %q", ErrInvalidInput, s)
	}

	rule := ExitRule{Kind: kind, Threshold: defaultThreshold(kind)}
	if hasArg {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil || !(v > 0) || math.IsInf(v, 0) {
			return ExitRule{}, fmt.Errorf("%w: exit rule %q threshold must be positive", ErrInvalidInput, s)
		}
		// A stop at or beyond 100% of the price can never fire.
		if kind != ExitProfitTarget && v >= 1 {
			return ExitRule{}, fmt.Errorf("%w: exit rule %q threshold must be in (0,1)", ErrInvalidInput, s)
		}
		rule.Threshold = v
	}
	return rule, nil
}

// ---------------------------------------------------------------------------
// Simulation output
// ---------------------------------------------------------------------------

// Direction is the side of a trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitReasonSignal      ExitReason = "signal_exit"
	ExitReasonReversal    ExitReason = "signal_reversal"
	ExitReasonEndOfPeriod ExitReason = "end_of_period"
	ExitReasonStop        ExitReason = "stop_triggered"
)

// Trade is one completed round trip.
type Trade struct {
	EntryTime   time.Time  `json:"entry_time"`
	EntryPrice  float64    `json:"entry_price"`
	ExitTime    time.Time  `json:"exit_time"`
	ExitPrice   float64    `json:"exit_price"`
	Direction   Direction  `json:"direction"`
	Size        float64    `json:"size"`
	HoldingBars int        `json:"holding_bars"`
	PnLPct      float64    `json:"pnl_pct"`
	PnLAbs      float64    `json:"pnl_abs"`
	MAE         float64    `json:"mae"` // worst unrealized return, <= 0
	MFE         float64    `json:"mfe"` // best unrealized return, >= 0
	ExitReason  ExitReason `json:"exit_reason"`
}

// EquityPoint is one sample of the equity curve. Position is +1 long, -1
// short, 0 flat at the close of the bar.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Position  int8      `json:"position"`
}

// Metrics summarises one simulation. MaxDrawdown is a positive fraction of
// the running peak (0.12 means a 12% decline).
type Metrics struct {
	WinRate     float64 `json:"win_rate"`
	NumTrades   int     `json:"num_trades"`
	TotalReturn float64 `json:"total_return"`
	CAGR        float64 `json:"cagr"`
	SharpeRatio float64 `json:"sharpe_ratio"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Expectancy  float64 `json:"expectancy"`
}

// SimulationResult is the output of one simulation run.
type SimulationResult struct {
	Equity  []EquityPoint
	Trades  []Trade
	Metrics Metrics
}

// DateRange returns the first and last equity timestamps, or zero times for
// an empty curve.
func (r SimulationResult) DateRange() (time.Time, time.Time) {
	if len(r.Equity) == 0 {
		return time.Time{}, time.Time{}
	}
	return r.Equity[0].Timestamp, r.Equity[len(r.Equity)-1].Timestamp
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// SignalSeries is a per-bar position target aligned with a PriceSeries:
// +1 long, -1 short, 0 flat.
type SignalSeries struct {
	Timestamps []time.Time
	Values     []int8
}

// Len returns the number of signal values.
func (s SignalSeries) Len() int { return len(s.Values) }
