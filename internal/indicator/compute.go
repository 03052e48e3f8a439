// Package indicator computes technical indicator series and memoizes them
// per symbol through a persisted cache.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"

	"backtestlab/internal/domain"
)

// Spec identifies one indicator column by name and period. Candlestick
// patterns have period 0.
type Spec struct {
	Name   string `json:"name"`
	Period int    `json:"period"`
}

// Column returns the column label, e.g. "rsi_14", or the bare name for a
// pattern such as "hammer".
func (s Spec) Column() string {
	if s.Period == 0 {
		return s.Name
	}
	return fmt.Sprintf("%s_%d", s.Name, s.Period)
}

type computeFunc func(series domain.PriceSeries, period int) []float64

var computers = map[string]computeFunc{
	"rsi": func(s domain.PriceSeries, period int) []float64 { return WilderRSI(s.Closes(), period) },
	"sma": func(s domain.PriceSeries, period int) []float64 {
		return maskLeading(talib.Sma(s.Closes(), period), period-1)
	},
	"ema": func(s domain.PriceSeries, period int) []float64 {
		return maskLeading(talib.Ema(s.Closes(), period), period-1)
	},
	"atr": func(s domain.PriceSeries, period int) []float64 {
		high, low, closes := hlc(s)
		return maskLeading(talib.Atr(high, low, closes, period), period)
	},
}

// Names returns the supported indicator names, patterns included.
func Names() []string {
	names := make([]string, 0, len(computers)+len(patterns))
	for n := range computers {
		names = append(names, n)
	}
	names = append(names, Patterns()...)
	sort.Strings(names)
	return names
}

// Supported reports whether name is a known indicator or pattern.
func Supported(name string) bool {
	_, ok := computers[name]
	return ok || IsPattern(name)
}

// Compute evaluates the named indicator over series. The result is aligned
// 1:1 with the bars; undefined leading values are NaN. Patterns require
// period 0 and are defined on every bar.
func Compute(series domain.PriceSeries, name string, period int) ([]float64, error) {
	fn, ok := computers[name]
	pat, isPattern := patterns[name]
	if !ok && !isPattern {
		return nil, fmt.Errorf("%w: unknown indicator %q", domain.ErrInvalidParameter, name)
	}
	if series.Len() == 0 {
		return nil, fmt.Errorf("price series %s: %w", series.Symbol, domain.ErrNotFound)
	}
	if isPattern {
		if period != 0 {
			return nil, fmt.Errorf("%w: pattern %s takes no period, got %d", domain.ErrInvalidParameter, name, period)
		}
		return pat.detect(series), nil
	}
	if period < 1 || period > series.Len()-1 {
		return nil, fmt.Errorf("%w: %s period %d outside [1, %d] for %s",
			domain.ErrInvalidParameter, name, period, series.Len()-1, series.Symbol)
	}
	return fn(series, period), nil
}

// WilderRSI computes the relative strength index with Wilder's recursive
// smoothing. The first average gain and loss are the simple means of the
// first period deltas; each later average is
// (prev*(period-1) + current) / period. Rows [0, period) are NaN.
func WilderRSI(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if period < 1 || len(closes) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	p := float64(period)
	for i := period + 1; i < len(closes); i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

// rsiValue matches TA-Lib: 0 when there was no movement at all.
func rsiValue(avgGain, avgLoss float64) float64 {
	if avgGain+avgLoss == 0 {
		return 0
	}
	return 100 * avgGain / (avgGain + avgLoss)
}

func maskLeading(values []float64, n int) []float64 {
	for i := 0; i < n && i < len(values); i++ {
		values[i] = math.NaN()
	}
	return values
}

func hlc(s domain.PriceSeries) (high, low, closes []float64) {
	high = make([]float64, s.Len())
	low = make([]float64, s.Len())
	closes = make([]float64, s.Len())
	for i, b := range s.Bars {
		high[i], low[i], closes[i] = b.High, b.Low, b.Close
	}
	return high, low, closes
}
