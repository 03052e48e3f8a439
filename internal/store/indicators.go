package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"backtestlab/internal/domain"
)

// Compile-time interface check.
var _ IndicatorStore = (*ParquetIndicatorStore)(nil)

// ParquetIndicatorStore keeps one long-format Parquet file per symbol at
// <Dir>/<SYMBOL>.parquet. Each row holds one (indicator, period, timestamp)
// value; undefined values are stored as nulls.
type ParquetIndicatorStore struct {
	Dir string
}

// NewParquetIndicatorStore creates a store rooted at dir.
func NewParquetIndicatorStore(dir string) *ParquetIndicatorStore {
	return &ParquetIndicatorStore{Dir: dir}
}

// IndicatorRecord is the Parquet schema for indicator values.
type IndicatorRecord struct {
	Name       string   `parquet:"name"`
	Period     int32    `parquet:"period"`
	Timestamp  int64    `parquet:"timestamp,timestamp(millisecond)"`
	Value      *float64 `parquet:"value,optional"`
	ComputedAt int64    `parquet:"computed_at,timestamp(millisecond)"`
}

// WriteColumn rewrites the symbol file with col replacing any previous
// column of the same name and period.
func (s *ParquetIndicatorStore) WriteColumn(_ context.Context, symbol string, col IndicatorColumn) error {
	if len(col.Timestamps) != len(col.Values) {
		return fmt.Errorf("%w: indicator %s_%d has %d timestamps and %d values",
			domain.ErrInvalidInput, col.Name, col.Period, len(col.Timestamps), len(col.Values))
	}

	path := s.path(symbol)
	existing, err := ReadParquetFile[IndicatorRecord](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading indicators for %s: %w: %v", symbol, domain.ErrDataCorruption, err)
	}

	records := make([]IndicatorRecord, 0, len(existing)+len(col.Values))
	for _, r := range existing {
		if r.Name == col.Name && int(r.Period) == col.Period {
			continue
		}
		records = append(records, r)
	}

	computed := col.ComputedAt.UnixMilli()
	for i, v := range col.Values {
		r := IndicatorRecord{
			Name:       col.Name,
			Period:     int32(col.Period),
			Timestamp:  col.Timestamps[i].UnixMilli(),
			ComputedAt: computed,
		}
		if !math.IsNaN(v) {
			val := v
			r.Value = &val
		}
		records = append(records, r)
	}

	if err := WriteParquetFile(path, records); err != nil {
		return fmt.Errorf("writing indicators for %s: %w", symbol, err)
	}
	return nil
}

// ReadColumns groups the symbol file back into columns ordered by name and
// period.
func (s *ParquetIndicatorStore) ReadColumns(_ context.Context, symbol string) ([]IndicatorColumn, error) {
	records, err := ReadParquetFile[IndicatorRecord](s.path(symbol))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading indicators for %s: %w: %v", symbol, domain.ErrDataCorruption, err)
	}

	type key struct {
		name   string
		period int
	}
	byKey := make(map[key][]IndicatorRecord)
	for _, r := range records {
		k := key{r.Name, int(r.Period)}
		byKey[k] = append(byKey[k], r)
	}

	cols := make([]IndicatorColumn, 0, len(byKey))
	for k, rows := range byKey {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
		col := IndicatorColumn{
			Name:       k.name,
			Period:     k.period,
			ComputedAt: time.UnixMilli(rows[0].ComputedAt).UTC(),
			Timestamps: make([]time.Time, len(rows)),
			Values:     make([]float64, len(rows)),
		}
		for i, r := range rows {
			col.Timestamps[i] = time.UnixMilli(r.Timestamp).UTC()
			if r.Value == nil {
				col.Values[i] = math.NaN()
			} else {
				col.Values[i] = *r.Value
			}
		}
		cols = append(cols, col)
	}
	sort.Slice(cols, func(i, j int) bool {
		if cols[i].Name != cols[j].Name {
			return cols[i].Name < cols[j].Name
		}
		return cols[i].Period < cols[j].Period
	})
	return cols, nil
}

func (s *ParquetIndicatorStore) path(symbol string) string {
	return filepath.Join(s.Dir, strings.ToUpper(symbol)+".parquet")
}
