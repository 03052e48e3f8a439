// Package sim runs the bar-by-bar position simulation that turns a signal
// series into trades, an equity curve, and summary metrics.
package sim

import (
	"fmt"

	"backtestlab/internal/domain"
)

// Options configures a simulation run.
type Options struct {
	InitialCapital float64
	Sizing         SizingPolicy

	// PeriodsPerYear annualizes the Sharpe ratio. Zero infers it from the
	// bar spacing.
	PeriodsPerYear float64
}

// DefaultOptions commits all equity to each trade from a 10,000 start.
func DefaultOptions() Options {
	return Options{
		InitialCapital: 10000,
		Sizing:         SizingPolicy{Kind: SizingEquityFraction, Fraction: 1.0},
	}
}

// Simulate walks price and signals in timestamp order. Each bar executes at
// its close. While a position is open the exit rule is evaluated before the
// signal, so a stop and a signal change on the same bar record the stop.
// After a stop the strategy must emit a different signal before re-entering
// in the stopped direction. Positions still open on the last bar are closed
// there with ExitReasonEndOfPeriod, and no position is opened on the last
// bar or while equity is zero or negative.
func Simulate(price domain.PriceSeries, signals domain.SignalSeries, rule domain.ExitRule, opts Options) (domain.SimulationResult, error) {
	if err := validate(price, signals, opts); err != nil {
		return domain.SimulationResult{}, err
	}

	n := price.Len()
	res := domain.SimulationResult{
		Equity: make([]domain.EquityPoint, 0, n),
		Trades: []domain.Trade{},
	}

	equity := opts.InitialCapital
	var pos *position
	var blocked int8

	closeAt := func(i int, reason domain.ExitReason) {
		bar := price.Bars[i]
		entry := price.Bars[pos.entryIdx]
		pnl := profit(pos.dir, pos.qty, pos.entryPrice, bar.Close)
		dir := domain.DirectionLong
		if pos.dir < 0 {
			dir = domain.DirectionShort
		}
		res.Trades = append(res.Trades, domain.Trade{
			EntryTime:   entry.Timestamp,
			EntryPrice:  pos.entryPrice,
			ExitTime:    bar.Timestamp,
			ExitPrice:   bar.Close,
			Direction:   dir,
			Size:        pos.qty,
			HoldingBars: i - pos.entryIdx,
			PnLPct:      float64(pos.dir) * (bar.Close/pos.entryPrice - 1),
			PnLAbs:      pnl,
			MAE:         pos.mae,
			MFE:         pos.mfe,
			ExitReason:  reason,
		})
		equity = pos.equityAtEntry + pnl
		pos = nil
	}

	for i, bar := range price.Bars {
		sig := sign(signals.Values[i])

		if pos != nil {
			ret := pos.mark(bar.Close)
			equity = pos.equityAtEntry + profit(pos.dir, pos.qty, pos.entryPrice, bar.Close)

			switch {
			case stopped(rule, pos, bar.Close, ret):
				blocked = pos.dir
				closeAt(i, domain.ExitReasonStop)
			case sig == 0:
				closeAt(i, domain.ExitReasonSignal)
			case sig != pos.dir:
				closeAt(i, domain.ExitReasonReversal)
			}
		}

		if blocked != 0 && sig != blocked {
			blocked = 0
		}

		last := i == n-1
		if pos == nil && sig != 0 && sig != blocked && !last {
			// No entries once the account is wiped out.
			if qty := opts.Sizing.Quantity(equity, bar.Close); qty > 0 {
				pos = &position{
					dir:           sig,
					entryIdx:      i,
					entryPrice:    bar.Close,
					qty:           qty,
					equityAtEntry: equity,
					extreme:       bar.Close,
				}
			}
		}
		if pos != nil && last {
			closeAt(i, domain.ExitReasonEndOfPeriod)
		}

		var held int8
		if pos != nil {
			held = pos.dir
		}
		res.Equity = append(res.Equity, domain.EquityPoint{
			Timestamp: bar.Timestamp,
			Equity:    equity,
			Position:  held,
		})
	}

	ppy := opts.PeriodsPerYear
	if ppy <= 0 {
		ppy = PeriodsPerYear(price.Timestamps())
	}
	res.Metrics = ComputeMetrics(res.Equity, res.Trades, ppy)
	return res, nil
}

func validate(price domain.PriceSeries, signals domain.SignalSeries, opts Options) error {
	if price.Len() != signals.Len() || len(signals.Timestamps) != signals.Len() {
		return fmt.Errorf("%w: %s has %d bars but %d signals", domain.ErrInvalidInput, price.Symbol, price.Len(), signals.Len())
	}
	for i, bar := range price.Bars {
		if !bar.Timestamp.Equal(signals.Timestamps[i]) {
			return fmt.Errorf("%w: %s signal timestamp %s does not match bar %d at %s",
				domain.ErrInvalidInput, price.Symbol, signals.Timestamps[i].Format("2006-01-02"), i, bar.Timestamp.Format("2006-01-02"))
		}
		if i > 0 && !bar.Timestamp.After(price.Bars[i-1].Timestamp) {
			return fmt.Errorf("%w: %s bars not in timestamp order at %d", domain.ErrInvalidInput, price.Symbol, i)
		}
		if bar.Close <= 0 {
			return fmt.Errorf("%w: %s non-positive close at %d", domain.ErrInvalidInput, price.Symbol, i)
		}
	}
	if opts.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial capital must be positive", domain.ErrInvalidInput)
	}
	return opts.Sizing.Validate()
}

func sign(v int8) int8 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
