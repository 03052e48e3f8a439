package builtins

import (
	"fmt"

	"backtestlab/internal/domain"
	"backtestlab/internal/indicator"
	"backtestlab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*MACrossover)(nil)

// MACrossover holds long while the fast SMA is above the slow SMA and short
// while it is below.
type MACrossover struct{}

// Name returns "ma_crossover".
func (s *MACrossover) Name() string { return "ma_crossover" }

// Defaults returns fast_period=20, slow_period=50.
func (s *MACrossover) Defaults() domain.Params {
	return domain.Params{"fast_period": 20, "slow_period": 50}
}

// Requirements returns the two SMA columns.
func (s *MACrossover) Requirements(params domain.Params) ([]indicator.Spec, error) {
	fast := params.Int("fast_period", 20)
	slow := params.Int("slow_period", 50)
	if fast < 1 || slow <= fast {
		return nil, fmt.Errorf("%w: ma_crossover needs 1 <= fast_period < slow_period, got %d/%d",
			domain.ErrInvalidParameter, fast, slow)
	}
	return []indicator.Spec{{Name: "sma", Period: fast}, {Name: "sma", Period: slow}}, nil
}

// Signals compares the two averages bar by bar. Bars where either average is
// undefined stay flat.
func (s *MACrossover) Signals(price domain.PriceSeries, inputs map[string]indicator.Series, params domain.Params) (domain.SignalSeries, error) {
	specs, err := s.Requirements(params)
	if err != nil {
		return domain.SignalSeries{}, err
	}
	fast, err := strategy.Input(price, inputs, specs[0])
	if err != nil {
		return domain.SignalSeries{}, err
	}
	slow, err := strategy.Input(price, inputs, specs[1])
	if err != nil {
		return domain.SignalSeries{}, err
	}

	out := strategy.NewSignals(price)
	for i := range out.Values {
		if !fast.Defined(i) || !slow.Defined(i) {
			continue
		}
		switch {
		case fast.Values[i] > slow.Values[i]:
			out.Values[i] = 1
		case fast.Values[i] < slow.Values[i]:
			out.Values[i] = -1
		}
	}
	return out, nil
}
