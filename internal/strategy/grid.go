package strategy

import (
	"sort"

	"backtestlab/internal/domain"
)

// ExpandGrid returns the cartesian product of grid as strategy configs.
// Keys are iterated in sorted order with the last key varying fastest, so
// the output order is deterministic. An empty grid yields one config with
// empty params.
func ExpandGrid(name string, grid map[string][]float64) []domain.StrategyConfig {
	keys := make([]string, 0, len(grid))
	for k := range grid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []domain.Params{{}}
	for _, k := range keys {
		next := make([]domain.Params, 0, len(combos)*len(grid[k]))
		for _, base := range combos {
			for _, v := range grid[k] {
				p := base.Clone()
				p[k] = v
				next = append(next, p)
			}
		}
		combos = next
	}

	out := make([]domain.StrategyConfig, len(combos))
	for i, p := range combos {
		out[i] = domain.StrategyConfig{Name: name, Params: p}
	}
	return out
}
