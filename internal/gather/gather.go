// Package gather loads daily price bars into the bar store, either by
// backfilling from the Alpaca market-data API or by importing CSV files.
package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all bar ingestion processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run ingests bars and returns when done or when ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses YYYY-MM-DD bounds. An empty end means today (UTC).
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return DateRange{}, err
	}
	e := time.Now().UTC().Truncate(24 * time.Hour)
	if end != "" {
		if e, err = time.Parse(time.DateOnly, end); err != nil {
			return DateRange{}, err
		}
	}
	return DateRange{Start: s, End: e}, nil
}
