package sim

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"backtestlab/internal/domain"
)

// ComputeMetrics derives summary metrics from an equity curve and trade
// ledger. A run without trades reports all zeros, and no field is ever NaN
// or infinite.
func ComputeMetrics(equity []domain.EquityPoint, trades []domain.Trade, periodsPerYear float64) domain.Metrics {
	m := domain.Metrics{NumTrades: len(trades)}
	if len(trades) == 0 || len(equity) == 0 {
		return m
	}

	var wins int
	pnl := make([]float64, len(trades))
	for i, t := range trades {
		pnl[i] = t.PnLPct
		if t.PnLPct > 0 {
			wins++
		}
	}
	m.WinRate = float64(wins) / float64(len(trades))
	m.Expectancy = finite(stat.Mean(pnl, nil))

	start, end := equity[0].Equity, equity[len(equity)-1].Equity
	m.TotalReturn = finite(end/start - 1)

	years := equity[len(equity)-1].Timestamp.Sub(equity[0].Timestamp).Hours() / 24 / 365.25
	if years > 0 {
		if growth := 1 + m.TotalReturn; growth > 0 {
			m.CAGR = finite(math.Pow(growth, 1/years) - 1)
		} else {
			m.CAGR = -1
		}
	}

	if len(equity) > 2 {
		returns := make([]float64, len(equity)-1)
		for i := 1; i < len(equity); i++ {
			returns[i-1] = equity[i].Equity/equity[i-1].Equity - 1
		}
		mean, std := stat.MeanStdDev(returns, nil)
		if std > 0 {
			m.SharpeRatio = finite(mean / std * math.Sqrt(periodsPerYear))
		}
	}

	m.MaxDrawdown = maxDrawdown(equity)
	return m
}

// maxDrawdown returns the largest peak-to-trough decline as a positive
// fraction of the peak.
func maxDrawdown(equity []domain.EquityPoint) float64 {
	peak := equity[0].Equity
	var worst float64
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			worst = max(worst, (peak-p.Equity)/peak)
		}
	}
	return finite(worst)
}

// PeriodsPerYear infers the sampling frequency from the median spacing of
// timestamps: 252 for daily bars, 52 weekly, 12 monthly, and trading-hour
// multiples of 252 for intraday bars.
func PeriodsPerYear(ts []time.Time) float64 {
	if len(ts) < 2 {
		return 252
	}
	gaps := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		gaps = append(gaps, ts[i].Sub(ts[i-1]).Hours())
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]

	switch {
	case median <= 0:
		return 252
	case median < 20:
		return 252 * 6.5 / median
	case median < 6*24:
		return 252
	case median < 25*24:
		return 52
	default:
		return 12
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
