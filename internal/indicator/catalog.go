package indicator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry records one computed (name, period) column for a symbol.
type Entry struct {
	Name       string    `json:"name"`
	Period     int       `json:"period"`
	Rows       int       `json:"rows"`
	ComputedAt time.Time `json:"computed_at"`
}

type catalogFile struct {
	LastComputed time.Time                   `json:"last_computed"`
	Symbols      map[string]map[string]Entry `json:"symbols"` // symbol -> column -> entry
}

// Catalog is the persisted summary of which indicator columns exist per
// symbol. It is the only source consulted by Cache.Has, so discovery never
// touches the column files themselves.
type Catalog struct {
	mu       sync.RWMutex
	data     catalogFile
	filePath string
	log      *slog.Logger
}

// NewCatalog creates a Catalog, loading persisted state from filePath.
func NewCatalog(filePath string, log *slog.Logger) *Catalog {
	c := &Catalog{
		data:     catalogFile{Symbols: make(map[string]map[string]Entry)},
		filePath: filePath,
		log:      log,
	}
	c.load()
	return c
}

// Has reports whether the column is recorded for symbol.
func (c *Catalog) Has(symbol string, spec Spec) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data.Symbols[strings.ToUpper(symbol)][spec.Column()]
	return ok
}

// Record adds or replaces the entry for symbol and persists the catalog.
func (c *Catalog) Record(symbol string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if c.data.Symbols[symbol] == nil {
		c.data.Symbols[symbol] = make(map[string]Entry)
	}
	c.data.Symbols[symbol][Spec{Name: e.Name, Period: e.Period}.Column()] = e
	if e.ComputedAt.After(c.data.LastComputed) {
		c.data.LastComputed = e.ComputedAt
	}
	return c.flush()
}

// Entries returns the entries for symbol ordered by name and period.
func (c *Catalog) Entries(symbol string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedEntries(c.data.Symbols[strings.ToUpper(symbol)])
}

// Snapshot returns a copy of every symbol's entries.
func (c *Catalog) Snapshot() map[string][]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]Entry, len(c.data.Symbols))
	for sym, cols := range c.data.Symbols {
		out[sym] = sortedEntries(cols)
	}
	return out
}

// LastComputed returns the time of the most recent successful computation.
func (c *Catalog) LastComputed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.LastComputed
}

func sortedEntries(cols map[string]Entry) []Entry {
	out := make([]Entry, 0, len(cols))
	for _, e := range cols {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Period < out[j].Period
	})
	return out
}

// load reads the JSON file into memory.
func (c *Catalog) load() {
	data, err := os.ReadFile(c.filePath)
	if err != nil {
		return // File doesn't exist yet; start empty.
	}
	var loaded catalogFile
	if err := json.Unmarshal(data, &loaded); err != nil {
		c.log.Warn("loading indicator catalog", "path", c.filePath, "error", err)
		return
	}
	if loaded.Symbols == nil {
		loaded.Symbols = make(map[string]map[string]Entry)
	}
	c.data = loaded
	c.log.Info("loaded indicator catalog", "symbols", len(loaded.Symbols))
}

// flush writes the in-memory state to disk. Must be called with mu held.
func (c *Catalog) flush() error {
	data, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling indicator catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return err
	}
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing indicator catalog: %w", err)
	}
	return os.Rename(tmp, c.filePath)
}
