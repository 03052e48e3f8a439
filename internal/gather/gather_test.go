package gather

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"backtestlab/internal/domain"
	"backtestlab/internal/store"
)

func TestParseBarsCaseInsensitiveHeaders(t *testing.T) {
	in := "Date,OPEN,High,low,Close,Volume\n" +
		"2024-01-02,10,11,9,10.5,1000\n" +
		"2024-01-03,10.5,12,10,11.5,1500.0\n"
	bars, err := ParseBars("spy", strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("len(bars) = %d, want 2", len(bars))
	}
	b := bars[1]
	if b.Symbol != "SPY" || b.Close != 11.5 || b.Volume != 1500 {
		t.Errorf("bar = %+v", b)
	}
	if want := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC); !b.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", b.Timestamp, want)
	}
}

func TestParseBarsBadTimestamp(t *testing.T) {
	in := "timestamp,open,high,low,close,volume\nyesterday,1,1,1,1,1\n"
	if _, err := ParseBars("X", strings.NewReader(in)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("ParseBars error = %v, want ErrInvalidInput", err)
	}
}

func TestCSVImporter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qqq.csv")
	data := "timestamp,open,high,low,close,volume\n2024-01-02T00:00:00Z,1,2,0.5,1.5,10\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	bars := store.NewParquetStore(t.TempDir())
	imp := NewCSVImporter(bars, []string{path})
	if err := imp.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	series, err := bars.ReadSeries(context.Background(), "QQQ")
	if err != nil {
		t.Fatalf("ReadSeries: %v", err)
	}
	if series.Len() != 1 || series.Bars[0].Close != 1.5 {
		t.Errorf("series = %+v", series)
	}
}

// fakeFetcher returns one bar per symbol and fails the first call for any
// batch containing flaky.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	flaked  bool
	batches [][]string
}

func (f *fakeFetcher) FetchDaily(_ context.Context, symbols []string, r DateRange) ([]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, s := range symbols {
		if s == "FLAKY" && !f.flaked {
			f.flaked = true
			return nil, errors.New("502 bad gateway")
		}
	}
	f.batches = append(f.batches, symbols)
	var bars []domain.Bar
	for _, s := range symbols {
		bars = append(bars, domain.Bar{Symbol: s, Timestamp: r.Start, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	return bars, nil
}

func TestAlpacaGathererBatchesAndRetries(t *testing.T) {
	bars := store.NewParquetStore(t.TempDir())
	f := &fakeFetcher{}
	dates := DateRange{Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}
	g := NewAlpacaGatherer(f, bars, []string{"A", "B", "FLAKY", "D", "E"}, dates, 2, 0)
	g.backoff = 0

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.batches) != 3 {
		t.Errorf("successful batches = %d, want 3", len(f.batches))
	}
	if f.calls != 4 {
		t.Errorf("fetch calls = %d, want 4 (one retry)", f.calls)
	}
	syms, err := bars.ListSymbols(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 5 {
		t.Errorf("ListSymbols = %v, want 5 symbols", syms)
	}
}

func TestParseDateRange(t *testing.T) {
	r, err := ParseDateRange("2020-01-01", "2020-12-31")
	if err != nil {
		t.Fatal(err)
	}
	if r.Start.Year() != 2020 || r.End.Month() != time.December {
		t.Errorf("range = %+v", r)
	}
	if _, err := ParseDateRange("01/01/2020", ""); err == nil {
		t.Error("expected error for bad start date")
	}
}
