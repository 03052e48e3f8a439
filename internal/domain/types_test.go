package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParamsKeysSorted(t *testing.T) {
	p := Params{"slow_period": 50, "fast_period": 10, "atr": 14}
	keys := p.Keys()
	want := []string{"atr", "fast_period", "slow_period"}
	if len(keys) != len(want) {
		t.Fatalf("len(Keys()) = %d, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
	if got := p.String(); got != "atr=14,fast_period=10,slow_period=50" {
		t.Errorf("String() = %q", got)
	}
}

func TestParamsAccessors(t *testing.T) {
	p := Params{"rsi_period": 14.0, "oversold": 30}
	if got := p.Int("rsi_period", 7); got != 14 {
		t.Errorf("Int(rsi_period) = %d, want 14", got)
	}
	if got := p.Float("missing", 2.5); got != 2.5 {
		t.Errorf("Float(missing) = %v, want 2.5", got)
	}

	c := p.Clone()
	c["oversold"] = 20
	if p["oversold"] != 30 {
		t.Error("Clone shares storage with the original")
	}
}

func TestParseExitRule(t *testing.T) {
	tests := []struct {
		in       string
		wantKind ExitRuleKind
		wantThr  float64
		wantName string
	}{
		{"default", ExitSignal, 0, "signal_exit"},
		{"", ExitSignal, 0, "signal_exit"},
		{"signal_exit", ExitSignal, 0, "signal_exit"},
		{"trailing_stop", ExitTrailingStop, DefaultTrailingStop, "trailing_stop"},
		{"profit_target", ExitProfitTarget, DefaultProfitTarget, "profit_target"},
		{"FIXED_STOP", ExitFixedStop, DefaultFixedStop, "fixed_stop"},
		{"trailing_stop:0.08", ExitTrailingStop, 0.08, "trailing_stop:0.08"},
		{"profit_target:0.1", ExitProfitTarget, 0.1, "profit_target"},
		{"profit_target:1.5", ExitProfitTarget, 1.5, "profit_target:1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, err := ParseExitRule(tt.in)
			if err != nil {
				t.Fatalf("ParseExitRule(%q): %v", tt.in, err)
			}
			if r.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", r.Kind, tt.wantKind)
			}
			if r.Threshold != tt.wantThr {
				t.Errorf("Threshold = %v, want %v", r.Threshold, tt.wantThr)
			}
			if r.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", r.Name(), tt.wantName)
			}
		})
	}
}

func TestParseExitRuleInvalid(t *testing.T) {
	for _, in := range []string{"moon_exit", "trailing_stop:abc", "fixed_stop:0", "fixed_stop:1.5", "trailing_stop:1", "profit_target:-0.2", "profit_target:+Inf", "profit_target:NaN", "default:0.1"} {
		if _, err := ParseExitRule(in); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseExitRule(%q) error = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestPriceSeriesAccessors(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := PriceSeries{Symbol: "AAPL", Bars: []Bar{
		{Symbol: "AAPL", Timestamp: t0, Close: 10},
		{Symbol: "AAPL", Timestamp: t0.AddDate(0, 0, 1), Close: 11},
	}}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	closes := s.Closes()
	if closes[0] != 10 || closes[1] != 11 {
		t.Errorf("Closes() = %v", closes)
	}
	ts := s.Timestamps()
	if !ts[1].Equal(t0.AddDate(0, 0, 1)) {
		t.Errorf("Timestamps()[1] = %v", ts[1])
	}
}

func TestSimulationResultDateRange(t *testing.T) {
	var empty SimulationResult
	if a, b := empty.DateRange(); !a.IsZero() || !b.IsZero() {
		t.Error("expected zero range for empty curve")
	}

	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	r := SimulationResult{Equity: []EquityPoint{{Timestamp: t0}, {Timestamp: t0.AddDate(0, 1, 0)}}}
	a, b := r.DateRange()
	if !a.Equal(t0) || !b.Equal(t0.AddDate(0, 1, 0)) {
		t.Errorf("DateRange() = %v..%v", a, b)
	}
}
