package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // Postgres driver.
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// indexRow is one row of the metadata index. Payload columns hold only the
// payload reference and presence flags, never payload bytes.
type indexRow struct {
	ID          string  `db:"id"`
	Symbol      string  `db:"symbol"`
	Strategy    string  `db:"strategy"`
	ParamsHash  string  `db:"params_hash"`
	ExitRule    string  `db:"exit_rule"`
	Params      string  `db:"params"` // JSON object
	WinRate     float64 `db:"win_rate"`
	NumTrades   int     `db:"num_trades"`
	TotalReturn float64 `db:"total_return"`
	CAGR        float64 `db:"cagr"`
	SharpeRatio float64 `db:"sharpe_ratio"`
	MaxDrawdown float64 `db:"max_drawdown"`
	Expectancy  float64 `db:"expectancy"`
	StartDate   int64   `db:"start_date"` // Unix ms
	EndDate     int64   `db:"end_date"`   // Unix ms
	PayloadRef  string  `db:"payload_ref"`
	HasEquity   int     `db:"has_equity"`
	HasTrades   int     `db:"has_trades"`
	UpdatedAt   int64   `db:"updated_at"` // Unix ms
}

const indexColumns = `id, symbol, strategy, params_hash, exit_rule, params,
	win_rate, num_trades, total_return, cagr, sharpe_ratio, max_drawdown, expectancy,
	start_date, end_date, payload_ref, has_equity, has_trades, updated_at`

var schema = []string{
	`CREATE TABLE IF NOT EXISTS backtests (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL,
		params_hash TEXT NOT NULL,
		exit_rule TEXT NOT NULL,
		params TEXT NOT NULL,
		win_rate DOUBLE PRECISION NOT NULL,
		num_trades INTEGER NOT NULL,
		total_return DOUBLE PRECISION NOT NULL,
		cagr DOUBLE PRECISION NOT NULL,
		sharpe_ratio DOUBLE PRECISION NOT NULL,
		max_drawdown DOUBLE PRECISION NOT NULL,
		expectancy DOUBLE PRECISION NOT NULL,
		start_date BIGINT NOT NULL,
		end_date BIGINT NOT NULL,
		payload_ref TEXT NOT NULL,
		has_equity INTEGER NOT NULL,
		has_trades INTEGER NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backtests_symbol ON backtests (symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_backtests_strategy ON backtests (strategy, exit_rule)`,
	`CREATE TABLE IF NOT EXISTS group_sets (
		name TEXT PRIMARY KEY,
		symbols TEXT NOT NULL,
		configs TEXT NOT NULL,
		exit_rules TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

// SQLIndex is the metadata index, backed by SQLite or Postgres through sqlx.
type SQLIndex struct {
	db *sqlx.DB
}

// OpenIndex connects to the index database and creates the schema. driver
// is "sqlite" (dsn is a file path) or "postgres".
func OpenIndex(ctx context.Context, driver, dsn string) (*SQLIndex, error) {
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported results driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s index: %w", driver, err)
	}

	if driver == "sqlite" {
		// One connection keeps pragmas in effect and serialises writers.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating index schema: %w", err)
		}
	}
	return &SQLIndex{db: db}, nil
}

// Close closes the underlying database connection.
func (x *SQLIndex) Close() error {
	return x.db.Close()
}

// upsert inserts or replaces the row with the same id.
func (x *SQLIndex) upsert(ctx context.Context, row indexRow) error {
	const q = `INSERT INTO backtests (` + indexColumns + `) VALUES (
		:id, :symbol, :strategy, :params_hash, :exit_rule, :params,
		:win_rate, :num_trades, :total_return, :cagr, :sharpe_ratio, :max_drawdown, :expectancy,
		:start_date, :end_date, :payload_ref, :has_equity, :has_trades, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
		params = excluded.params,
		win_rate = excluded.win_rate,
		num_trades = excluded.num_trades,
		total_return = excluded.total_return,
		cagr = excluded.cagr,
		sharpe_ratio = excluded.sharpe_ratio,
		max_drawdown = excluded.max_drawdown,
		expectancy = excluded.expectancy,
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		payload_ref = excluded.payload_ref,
		has_equity = excluded.has_equity,
		has_trades = excluded.has_trades,
		updated_at = excluded.updated_at`
	if _, err := x.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("upserting %s: %w", row.ID, err)
	}
	return nil
}

// get returns the row for id. found is false when no row exists.
func (x *SQLIndex) get(ctx context.Context, id string) (indexRow, bool, error) {
	var row indexRow
	err := x.db.GetContext(ctx, &row, x.db.Rebind(`SELECT `+indexColumns+` FROM backtests WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return indexRow{}, false, nil
	}
	if err != nil {
		return indexRow{}, false, fmt.Errorf("reading %s: %w", id, err)
	}
	return row, true, nil
}

// remove deletes the row for id and returns its payload ref, or "" when no
// row existed.
func (x *SQLIndex) remove(ctx context.Context, id string) (string, error) {
	row, found, err := x.get(ctx, id)
	if err != nil || !found {
		return "", err
	}
	if _, err := x.db.ExecContext(ctx, x.db.Rebind(`DELETE FROM backtests WHERE id = ?`), id); err != nil {
		return "", fmt.Errorf("deleting %s: %w", id, err)
	}
	return row.PayloadRef, nil
}

// removeAll deletes every row and returns their payload refs.
func (x *SQLIndex) removeAll(ctx context.Context) ([]string, error) {
	var refs []string
	if err := x.db.SelectContext(ctx, &refs, `SELECT payload_ref FROM backtests`); err != nil {
		return nil, fmt.Errorf("listing payload refs: %w", err)
	}
	if _, err := x.db.ExecContext(ctx, `DELETE FROM backtests`); err != nil {
		return nil, fmt.Errorf("clearing index: %w", err)
	}
	return refs, nil
}

// Filter selects index rows. Empty string fields match everything.
type Filter struct {
	Symbol     string `json:"symbol,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	ParamsHash string `json:"params_hash,omitempty"`
	ExitRule   string `json:"exit_rule,omitempty"`
	MinTrades  int    `json:"min_trades,omitempty"`

	// OrderBy is a metric name (see SortableMetrics); results sort best
	// first, which is ascending for max_drawdown. Empty orders by key.
	OrderBy string `json:"order_by,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// SortableMetrics maps metric names accepted by Filter.OrderBy to columns.
var SortableMetrics = map[string]string{
	"win_rate":     "win_rate",
	"num_trades":   "num_trades",
	"total_return": "total_return",
	"cagr":         "cagr",
	"sharpe_ratio": "sharpe_ratio",
	"max_drawdown": "max_drawdown",
	"expectancy":   "expectancy",
}

func (x *SQLIndex) query(ctx context.Context, f Filter) ([]indexRow, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("symbol", strings.ToUpper(f.Symbol))
	add("strategy", f.Strategy)
	add("params_hash", f.ParamsHash)
	add("exit_rule", f.ExitRule)
	if f.MinTrades > 0 {
		where = append(where, "num_trades >= ?")
		args = append(args, f.MinTrades)
	}

	q := `SELECT ` + indexColumns + ` FROM backtests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OrderBy != "" {
		col, ok := SortableMetrics[f.OrderBy]
		if !ok {
			return nil, fmt.Errorf("unknown metric %q", f.OrderBy)
		}
		dir := " DESC"
		if col == "max_drawdown" {
			dir = " ASC"
		}
		q += " ORDER BY " + col + dir + ", id"
	} else {
		q += " ORDER BY id"
	}
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []indexRow
	if err := x.db.SelectContext(ctx, &rows, x.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	return rows, nil
}

func (x *SQLIndex) byIDs(ctx context.Context, ids []string) ([]indexRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`SELECT `+indexColumns+` FROM backtests WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	var rows []indexRow
	if err := x.db.SelectContext(ctx, &rows, x.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("reading index rows: %w", err)
	}
	return rows, nil
}

// counts returns the number of rows, distinct symbols, and distinct
// strategies.
func (x *SQLIndex) counts(ctx context.Context) (total, symbols, strategies int, err error) {
	var c struct {
		Total      int `db:"total"`
		Symbols    int `db:"symbols"`
		Strategies int `db:"strategies"`
	}
	err = x.db.GetContext(ctx, &c, `SELECT COUNT(*) AS total,
		COUNT(DISTINCT symbol) AS symbols,
		COUNT(DISTINCT strategy) AS strategies FROM backtests`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("counting index rows: %w", err)
	}
	return c.Total, c.Symbols, c.Strategies, nil
}
