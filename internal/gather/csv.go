package gather

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"backtestlab/internal/domain"
	"backtestlab/internal/store"
)

// csvBar is one CSV row. Header names are matched case-insensitively.
type csvBar struct {
	Timestamp string  `csv:"timestamp"`
	Open      float64 `csv:"open"`
	High      float64 `csv:"high"`
	Low       float64 `csv:"low"`
	Close     float64 `csv:"close"`
	Volume    float64 `csv:"volume"`
}

// headerAliases maps alternative column names to csvBar tags.
var headerAliases = map[string]string{
	"date":     "timestamp",
	"datetime": "timestamp",
	"time":     "timestamp",
	"vol":      "volume",
}

// normalizedReader lowercases and aliases the header row so gocsv matches
// columns regardless of case.
type normalizedReader struct {
	r      *csv.Reader
	header bool
}

func (n *normalizedReader) Read() ([]string, error) {
	row, err := n.r.Read()
	if err != nil || n.header {
		return row, err
	}
	n.header = true
	return normalizeHeader(row), nil
}

func (n *normalizedReader) ReadAll() ([][]string, error) {
	rows, err := n.r.ReadAll()
	if err != nil || len(rows) == 0 || n.header {
		return rows, err
	}
	n.header = true
	rows[0] = normalizeHeader(rows[0])
	return rows, nil
}

func normalizeHeader(row []string) []string {
	out := make([]string, len(row))
	for i, h := range row {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if alias, ok := headerAliases[h]; ok {
			h = alias
		}
		out[i] = h
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339,
	time.DateTime,
	time.DateOnly,
	"01/02/2006",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", domain.ErrInvalidInput, s)
}

// ParseBars decodes daily bars for symbol from CSV. Required columns are
// timestamp (or date), open, high, low, close, and volume, in any case.
func ParseBars(symbol string, r io.Reader) ([]domain.Bar, error) {
	var rows []csvBar
	if err := gocsv.UnmarshalCSV(&normalizedReader{r: csv.NewReader(r)}, &rows); err != nil {
		return nil, fmt.Errorf("%w: decoding %s csv: %v", domain.ErrInvalidInput, symbol, err)
	}
	symbol = strings.ToUpper(symbol)
	bars := make([]domain.Bar, 0, len(rows))
	for i, row := range rows {
		ts, err := parseTimestamp(row.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", symbol, i+2, err)
		}
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    int64(row.Volume),
		})
	}
	return bars, nil
}

// Compile-time interface check.
var _ Gatherer = (*CSVImporter)(nil)

// CSVImporter imports one CSV file per symbol into the bar store. The symbol
// is the file name without extension.
type CSVImporter struct {
	store store.BarStore
	paths []string
	log   *slog.Logger
}

// NewCSVImporter creates an importer for the given files.
func NewCSVImporter(s store.BarStore, paths []string) *CSVImporter {
	return &CSVImporter{store: s, paths: paths, log: slog.Default().With("gatherer", "csv")}
}

// Name returns the gatherer identifier.
func (c *CSVImporter) Name() string { return "csv" }

// Run imports every file, stopping at the first error.
func (c *CSVImporter) Run(ctx context.Context) error {
	for _, path := range c.paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.ImportFile(ctx, path)
		if err != nil {
			return err
		}
		c.log.Info("imported", "path", path, "bars", n)
	}
	return nil
}

// ImportFile imports path and returns the number of bars written.
func (c *CSVImporter) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	symbol := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	bars, err := ParseBars(symbol, f)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}
	if err := c.store.WriteBars(ctx, bars); err != nil {
		return 0, fmt.Errorf("writing %s: %w", symbol, err)
	}
	return len(bars), nil
}
