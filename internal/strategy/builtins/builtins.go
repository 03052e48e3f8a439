// Package builtins provides the strategy implementations that ship with
// backtestlab.
package builtins

import "backtestlab/internal/strategy"

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(&MACrossover{})
	r.Register(&RSIMeanReversion{})
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	Register(r)
	return r
}
