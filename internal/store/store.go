// Package store defines storage interfaces for price bars and persisted
// indicator columns, and their Parquet-backed implementations.
package store

import (
	"context"
	"time"

	"backtestlab/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars, merging with existing data.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ReadSeries returns the full history of symbol. It returns an error
	// wrapping domain.ErrNotFound when no bars exist.
	ReadSeries(ctx context.Context, symbol string) (domain.PriceSeries, error)

	// ListSymbols returns all symbols with stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// IndicatorColumn is one named indicator series aligned to a symbol's bar
// timestamps. Undefined values are NaN.
type IndicatorColumn struct {
	Name       string
	Period     int
	ComputedAt time.Time
	Timestamps []time.Time
	Values     []float64
}

// IndicatorStore persists indicator columns per symbol.
type IndicatorStore interface {
	// WriteColumn replaces the (name, period) column for symbol, leaving
	// other columns untouched.
	WriteColumn(ctx context.Context, symbol string, col IndicatorColumn) error

	// ReadColumns returns every persisted column for symbol, or nil when the
	// symbol has none.
	ReadColumns(ctx context.Context, symbol string) ([]IndicatorColumn, error)
}
