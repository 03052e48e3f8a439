package builtins

import (
	"fmt"

	"backtestlab/internal/domain"
	"backtestlab/internal/indicator"
	"backtestlab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*RSIMeanReversion)(nil)

// RSIMeanReversion goes long while RSI is below the oversold level and short
// while it is above the overbought level.
type RSIMeanReversion struct{}

// Name returns "rsi_meanrev".
func (s *RSIMeanReversion) Name() string { return "rsi_meanrev" }

// Defaults returns rsi_period=14, oversold=30, overbought=70.
func (s *RSIMeanReversion) Defaults() domain.Params {
	return domain.Params{"rsi_period": 14, "oversold": 30, "overbought": 70}
}

// Requirements returns the RSI column.
func (s *RSIMeanReversion) Requirements(params domain.Params) ([]indicator.Spec, error) {
	period := params.Int("rsi_period", 14)
	oversold := params.Float("oversold", 30)
	overbought := params.Float("overbought", 70)
	if period < 1 {
		return nil, fmt.Errorf("%w: rsi_meanrev rsi_period %d < 1", domain.ErrInvalidParameter, period)
	}
	if oversold < 0 || overbought > 100 || oversold >= overbought {
		return nil, fmt.Errorf("%w: rsi_meanrev needs 0 <= oversold < overbought <= 100, got %v/%v",
			domain.ErrInvalidParameter, oversold, overbought)
	}
	return []indicator.Spec{{Name: "rsi", Period: period}}, nil
}

// Signals maps each defined RSI value to a position target.
func (s *RSIMeanReversion) Signals(price domain.PriceSeries, inputs map[string]indicator.Series, params domain.Params) (domain.SignalSeries, error) {
	specs, err := s.Requirements(params)
	if err != nil {
		return domain.SignalSeries{}, err
	}
	rsi, err := strategy.Input(price, inputs, specs[0])
	if err != nil {
		return domain.SignalSeries{}, err
	}
	oversold := params.Float("oversold", 30)
	overbought := params.Float("overbought", 70)

	out := strategy.NewSignals(price)
	for i := range out.Values {
		if !rsi.Defined(i) {
			continue
		}
		switch {
		case rsi.Values[i] < oversold:
			out.Values[i] = 1
		case rsi.Values[i] > overbought:
			out.Values[i] = -1
		}
	}
	return out, nil
}
