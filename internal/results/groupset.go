package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backtestlab/internal/domain"
)

// GroupSet is a saved batch definition that can be re-run by name.
type GroupSet struct {
	Name      string                  `json:"name"`
	Symbols   []string                `json:"symbols"`
	Configs   []domain.StrategyConfig `json:"configs"`
	ExitRules []string                `json:"exit_rules"`
	UpdatedAt time.Time               `json:"updated_at"`
}

type groupSetRow struct {
	Name      string `db:"name"`
	Symbols   string `db:"symbols"`
	Configs   string `db:"configs"`
	ExitRules string `db:"exit_rules"`
	UpdatedAt int64  `db:"updated_at"`
}

// SaveGroupSet creates or replaces the named group set.
func (s *Store) SaveGroupSet(ctx context.Context, g GroupSet) error {
	if g.Name == "" || len(g.Symbols) == 0 || len(g.Configs) == 0 {
		return fmt.Errorf("%w: group set needs a name, symbols, and configs", domain.ErrInvalidInput)
	}
	for _, r := range g.ExitRules {
		if _, err := domain.ParseExitRule(r); err != nil {
			return err
		}
	}

	if g.ExitRules == nil {
		g.ExitRules = []string{}
	}
	symbols, err := json.Marshal(g.Symbols)
	if err != nil {
		return fmt.Errorf("encoding group set %s: %w", g.Name, err)
	}
	configs, err := json.Marshal(g.Configs)
	if err != nil {
		return fmt.Errorf("encoding group set %s: %w", g.Name, err)
	}
	rules, err := json.Marshal(g.ExitRules)
	if err != nil {
		return fmt.Errorf("encoding group set %s: %w", g.Name, err)
	}
	row := groupSetRow{
		Name:      g.Name,
		Symbols:   string(symbols),
		Configs:   string(configs),
		ExitRules: string(rules),
		UpdatedAt: s.now().UnixMilli(),
	}

	const q = `INSERT INTO group_sets (name, symbols, configs, exit_rules, updated_at)
		VALUES (:name, :symbols, :configs, :exit_rules, :updated_at)
		ON CONFLICT (name) DO UPDATE SET
			symbols = excluded.symbols,
			configs = excluded.configs,
			exit_rules = excluded.exit_rules,
			updated_at = excluded.updated_at`
	if _, err := s.index.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("saving group set %s: %w", g.Name, err)
	}
	return nil
}

// LoadGroupSet returns the named group set. found is false when it does not
// exist.
func (s *Store) LoadGroupSet(ctx context.Context, name string) (GroupSet, bool, error) {
	var row groupSetRow
	db := s.index.db
	err := db.GetContext(ctx, &row, db.Rebind(`SELECT name, symbols, configs, exit_rules, updated_at FROM group_sets WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return GroupSet{}, false, nil
	}
	if err != nil {
		return GroupSet{}, false, fmt.Errorf("loading group set %s: %w", name, err)
	}
	g, err := row.groupSet()
	return g, true, err
}

// ListGroupSets returns every group set ordered by name.
func (s *Store) ListGroupSets(ctx context.Context) ([]GroupSet, error) {
	var rows []groupSetRow
	if err := s.index.db.SelectContext(ctx, &rows, `SELECT name, symbols, configs, exit_rules, updated_at FROM group_sets ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing group sets: %w", err)
	}
	out := make([]GroupSet, 0, len(rows))
	for _, r := range rows {
		g, err := r.groupSet()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// DeleteGroupSet removes the named group set and reports whether it existed.
func (s *Store) DeleteGroupSet(ctx context.Context, name string) (bool, error) {
	db := s.index.db
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM group_sets WHERE name = ?`), name)
	if err != nil {
		return false, fmt.Errorf("deleting group set %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r groupSetRow) groupSet() (GroupSet, error) {
	g := GroupSet{Name: r.Name, UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC()}
	if err := errors.Join(
		json.Unmarshal([]byte(r.Symbols), &g.Symbols),
		json.Unmarshal([]byte(r.Configs), &g.Configs),
		json.Unmarshal([]byte(r.ExitRules), &g.ExitRules),
	); err != nil {
		return GroupSet{}, fmt.Errorf("group set %s: %w: %v", r.Name, domain.ErrDataCorruption, err)
	}
	return g, nil
}
