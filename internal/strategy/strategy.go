// Package strategy defines the Strategy interface for signal-generating
// strategies and provides a Registry for managing implementations.
package strategy

import (
	"fmt"
	"sort"

	"backtestlab/internal/domain"
	"backtestlab/internal/indicator"
)

// Strategy turns a price series and its indicator columns into a signal
// series for one parameter set.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Defaults returns the parameter set used when a caller omits one.
	Defaults() domain.Params

	// Requirements validates params and returns the indicator columns the
	// strategy reads.
	Requirements(params domain.Params) ([]indicator.Spec, error)

	// Signals produces one value per bar: +1 long, -1 short, 0 flat. inputs
	// is keyed by indicator.Spec.Column().
	Signals(price domain.PriceSeries, inputs map[string]indicator.Series, params domain.Params) (domain.SignalSeries, error)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Lookup is Get with an error wrapping domain.ErrInvalidInput for unknown
// names.
func (r *Registry) Lookup(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrInvalidInput, name)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewSignals allocates a flat signal series aligned with price.
func NewSignals(price domain.PriceSeries) domain.SignalSeries {
	return domain.SignalSeries{
		Timestamps: price.Timestamps(),
		Values:     make([]int8, price.Len()),
	}
}

// Input returns the column for spec from inputs, checking its length
// against price.
func Input(price domain.PriceSeries, inputs map[string]indicator.Series, spec indicator.Spec) (indicator.Series, error) {
	s, ok := inputs[spec.Column()]
	if !ok {
		return indicator.Series{}, fmt.Errorf("missing indicator %s for %s: %w", spec.Column(), price.Symbol, domain.ErrNotFound)
	}
	if len(s.Values) != price.Len() {
		return indicator.Series{}, fmt.Errorf("%w: indicator %s has %d rows, price has %d",
			domain.ErrInvalidInput, spec.Column(), len(s.Values), price.Len())
	}
	return s, nil
}
