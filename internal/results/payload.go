package results

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"backtestlab/internal/domain"
	"backtestlab/internal/store"
)

// PayloadStore holds the bulk payloads addressed by an index row's payload
// ref. Get methods report found=false for a payload that was never written.
type PayloadStore interface {
	PutEquity(ctx context.Context, ref string, points []domain.EquityPoint) error
	GetEquity(ctx context.Context, ref string) ([]domain.EquityPoint, bool, error)
	PutTrades(ctx context.Context, ref string, trades []domain.Trade) error
	GetTrades(ctx context.Context, ref string) ([]domain.Trade, bool, error)
	Delete(ctx context.Context, ref string) error
}

// Ledger stores serialized trade ledgers.
type Ledger interface {
	Put(ctx context.Context, ref string, trades []domain.Trade) error
	Get(ctx context.Context, ref string) ([]domain.Trade, bool, error)
	Delete(ctx context.Context, ref string) error
}

// Compile-time interface check.
var _ PayloadStore = (*FilePayloads)(nil)

// FilePayloads keeps equity curves as Parquet files under
// <Dir>/equity/<ref>.parquet and delegates trade ledgers to a Ledger.
type FilePayloads struct {
	Dir    string
	Ledger Ledger
}

// NewFilePayloads creates payload storage rooted at dir. A nil ledger uses a
// FileLedger under <dir>/trades.
func NewFilePayloads(dir string, ledger Ledger) *FilePayloads {
	if ledger == nil {
		ledger = NewFileLedger(filepath.Join(dir, "trades"))
	}
	return &FilePayloads{Dir: dir, Ledger: ledger}
}

// EquityRecord is the Parquet schema for equity curve points.
type EquityRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity    float64 `parquet:"equity"`
	Position  int32   `parquet:"position"`
}

// PutEquity writes the curve, including an empty one.
func (p *FilePayloads) PutEquity(_ context.Context, ref string, points []domain.EquityPoint) error {
	records := make([]EquityRecord, len(points))
	for i, pt := range points {
		records[i] = EquityRecord{Timestamp: pt.Timestamp.UnixMilli(), Equity: pt.Equity, Position: int32(pt.Position)}
	}
	if err := store.WriteParquetFile(p.equityPath(ref), records); err != nil {
		return fmt.Errorf("writing equity %s: %w", ref, err)
	}
	return nil
}

// GetEquity reads the curve. Unreadable files wrap domain.ErrDataCorruption.
func (p *FilePayloads) GetEquity(_ context.Context, ref string) ([]domain.EquityPoint, bool, error) {
	records, err := store.ReadParquetFile[EquityRecord](p.equityPath(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("equity %s: %w: %v", ref, domain.ErrDataCorruption, err)
	}
	points := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		points[i] = domain.EquityPoint{Timestamp: time.UnixMilli(r.Timestamp).UTC(), Equity: r.Equity, Position: int8(r.Position)}
	}
	return points, true, nil
}

// PutTrades stores the ledger, including an empty one.
func (p *FilePayloads) PutTrades(ctx context.Context, ref string, trades []domain.Trade) error {
	if trades == nil {
		trades = []domain.Trade{}
	}
	return p.Ledger.Put(ctx, ref, trades)
}

// GetTrades reads the ledger.
func (p *FilePayloads) GetTrades(ctx context.Context, ref string) ([]domain.Trade, bool, error) {
	return p.Ledger.Get(ctx, ref)
}

// Delete removes both payloads for ref. Missing payloads are not an error.
func (p *FilePayloads) Delete(ctx context.Context, ref string) error {
	if err := os.Remove(p.equityPath(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return p.Ledger.Delete(ctx, ref)
}

func (p *FilePayloads) equityPath(ref string) string {
	return filepath.Join(p.Dir, "equity", ref+".parquet")
}
