package indicator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"backtestlab/internal/domain"
	"backtestlab/internal/store"
)

// Series is one indicator column aligned with a symbol's bars. Undefined
// values are NaN.
type Series struct {
	Symbol     string
	Spec       Spec
	Timestamps []time.Time
	Values     []float64
}

// Defined reports whether row i holds a value.
func (s Series) Defined(i int) bool {
	return i >= 0 && i < len(s.Values) && !math.IsNaN(s.Values[i])
}

// Frame is every persisted indicator column for one symbol, keyed by
// Spec.Column().
type Frame struct {
	Symbol  string
	Columns map[string]Series
}

// Cache computes indicator columns on demand and persists them. Has consults
// only the catalog; Ensure computes at most once per (symbol, name, period).
type Cache struct {
	bars    store.BarStore
	columns store.IndicatorStore
	catalog *Catalog
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCache wires a cache over the bar store and column store. The catalog
// lives at <dir>/catalog.json.
func NewCache(bars store.BarStore, dir string, log *slog.Logger) *Cache {
	log = log.With("component", "indicator-cache")
	return &Cache{
		bars:    bars,
		columns: store.NewParquetIndicatorStore(filepath.Join(dir, "columns")),
		catalog: NewCatalog(filepath.Join(dir, "catalog.json"), log),
		log:     log,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Catalog returns the cache's metadata catalog.
func (c *Cache) Catalog() *Catalog { return c.catalog }

// Has reports whether the column has been computed for symbol.
func (c *Cache) Has(symbol, name string, period int) bool {
	return c.catalog.Has(symbol, Spec{Name: name, Period: period})
}

// Ensure computes and persists the column unless it already exists. The
// returned flag is true when a computation happened.
func (c *Cache) Ensure(ctx context.Context, symbol, name string, period int) (bool, error) {
	unlock := c.lock(symbol)
	defer unlock()

	if c.Has(symbol, name, period) {
		return false, nil
	}
	if _, err := c.compute(ctx, symbol, name, period); err != nil {
		return false, err
	}
	return true, nil
}

// Compute evaluates the column from the symbol's bars, persists it, and
// records it in the catalog, overwriting any earlier version.
func (c *Cache) Compute(ctx context.Context, symbol, name string, period int) (Series, error) {
	unlock := c.lock(symbol)
	defer unlock()
	return c.compute(ctx, symbol, name, period)
}

// Recompute forces a fresh computation of an existing or missing column.
func (c *Cache) Recompute(ctx context.Context, symbol, name string, period int) error {
	_, err := c.Compute(ctx, symbol, name, period)
	return err
}

// Aligned returns the column for spec aligned to price, ensuring it first.
// A persisted column that no longer matches the bar timestamps is
// recomputed.
func (c *Cache) Aligned(ctx context.Context, price domain.PriceSeries, spec Spec) (Series, error) {
	unlock := c.lock(price.Symbol)
	defer unlock()

	if c.Has(price.Symbol, spec.Name, spec.Period) {
		s, ok, err := c.read(ctx, price.Symbol, spec)
		if err != nil {
			return Series{}, err
		}
		if ok && aligned(s, price) {
			return s, nil
		}
		c.log.Debug("indicator stale, recomputing", "symbol", price.Symbol, "column", spec.Column())
	}
	return c.computeFrom(ctx, price, spec)
}

// Load returns every persisted column for symbol.
func (c *Cache) Load(ctx context.Context, symbol string) (Frame, error) {
	cols, err := c.columns.ReadColumns(ctx, symbol)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Symbol: strings.ToUpper(symbol), Columns: make(map[string]Series, len(cols))}
	for _, col := range cols {
		s := fromColumn(f.Symbol, col)
		f.Columns[s.Spec.Column()] = s
	}
	return f, nil
}

func (c *Cache) compute(ctx context.Context, symbol, name string, period int) (Series, error) {
	if !Supported(name) {
		return Series{}, fmt.Errorf("%w: unknown indicator %q", domain.ErrInvalidParameter, name)
	}
	price, err := c.bars.ReadSeries(ctx, symbol)
	if err != nil {
		return Series{}, err
	}
	return c.computeFrom(ctx, price, Spec{Name: name, Period: period})
}

func (c *Cache) computeFrom(ctx context.Context, price domain.PriceSeries, spec Spec) (Series, error) {
	values, err := Compute(price, spec.Name, spec.Period)
	if err != nil {
		return Series{}, err
	}

	now := c.now().UTC()
	col := store.IndicatorColumn{
		Name:       spec.Name,
		Period:     spec.Period,
		ComputedAt: now,
		Timestamps: price.Timestamps(),
		Values:     values,
	}
	if err := c.columns.WriteColumn(ctx, price.Symbol, col); err != nil {
		return Series{}, err
	}
	if err := c.catalog.Record(price.Symbol, Entry{
		Name:       spec.Name,
		Period:     spec.Period,
		Rows:       len(values),
		ComputedAt: now,
	}); err != nil {
		return Series{}, err
	}

	c.log.Info("computed indicator", "symbol", price.Symbol, "column", spec.Column(), "rows", len(values))
	return fromColumn(strings.ToUpper(price.Symbol), col), nil
}

func (c *Cache) read(ctx context.Context, symbol string, spec Spec) (Series, bool, error) {
	cols, err := c.columns.ReadColumns(ctx, symbol)
	if err != nil {
		return Series{}, false, err
	}
	for _, col := range cols {
		if col.Name == spec.Name && col.Period == spec.Period {
			return fromColumn(strings.ToUpper(symbol), col), true, nil
		}
	}
	return Series{}, false, nil
}

// lock serialises check-compute-persist per symbol.
func (c *Cache) lock(symbol string) func() {
	symbol = strings.ToUpper(symbol)
	c.mu.Lock()
	l, ok := c.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		c.locks[symbol] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func fromColumn(symbol string, col store.IndicatorColumn) Series {
	return Series{
		Symbol:     symbol,
		Spec:       Spec{Name: col.Name, Period: col.Period},
		Timestamps: col.Timestamps,
		Values:     col.Values,
	}
}

func aligned(s Series, price domain.PriceSeries) bool {
	if len(s.Timestamps) != price.Len() {
		return false
	}
	for i, b := range price.Bars {
		if !s.Timestamps[i].Equal(b.Timestamp) {
			return false
		}
	}
	return true
}
