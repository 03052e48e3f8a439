package sim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"backtestlab/internal/domain"
)

// SizingKind selects how much capital each trade commits.
type SizingKind string

const (
	// SizingFixedNotional commits the same currency amount to every trade.
	SizingFixedNotional SizingKind = "fixed_notional"
	// SizingEquityFraction commits a fraction of equity at entry.
	SizingEquityFraction SizingKind = "equity_fraction"
)

// SizingPolicy determines position quantity at entry. It replaces the
// per-trade risk limits of a live engine with a deterministic rule so that
// absolute P&L is reproducible.
type SizingPolicy struct {
	Kind     SizingKind
	Notional float64 // fixed_notional only
	Fraction float64 // equity_fraction only
}

// NewSizingPolicy validates and builds a policy from configuration values.
func NewSizingPolicy(kind string, notional, fraction float64) (SizingPolicy, error) {
	p := SizingPolicy{Kind: SizingKind(kind), Notional: notional, Fraction: fraction}
	return p, p.Validate()
}

// Validate checks the policy parameters.
func (p SizingPolicy) Validate() error {
	switch p.Kind {
	case SizingFixedNotional:
		if p.Notional <= 0 {
			return fmt.Errorf("%w: fixed_notional sizing needs notional > 0", domain.ErrInvalidInput)
		}
	case SizingEquityFraction:
		if p.Fraction <= 0 {
			return fmt.Errorf("%w: equity_fraction sizing needs fraction > 0", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown sizing policy %q", domain.ErrInvalidInput, p.Kind)
	}
	return nil
}

// Quantity returns the number of units bought or sold short at price given
// current equity. It is zero once equity is exhausted.
func (p SizingPolicy) Quantity(equity, price float64) float64 {
	if equity <= 0 || price <= 0 {
		return 0
	}
	var notional decimal.Decimal
	switch p.Kind {
	case SizingFixedNotional:
		notional = decimal.NewFromFloat(p.Notional)
	default:
		notional = decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(p.Fraction))
	}
	return notional.Div(decimal.NewFromFloat(price)).InexactFloat64()
}

// profit returns the currency P&L of qty units moved from entry to exit in
// direction dir (+1 long, -1 short).
func profit(dir int8, qty, entry, exit float64) float64 {
	move := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	return move.Mul(decimal.NewFromFloat(qty)).Mul(decimal.NewFromInt(int64(dir))).InexactFloat64()
}
