package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"backtestlab/internal/domain"
)

// Compile-time interface check.
var _ Ledger = (*FileLedger)(nil)

// FileLedger stores each ledger as a JSON array in <Dir>/<ref>.json.
type FileLedger struct {
	Dir string
}

// NewFileLedger creates a ledger rooted at dir.
func NewFileLedger(dir string) *FileLedger {
	return &FileLedger{Dir: dir}
}

// Put writes trades through a temporary file and a rename.
func (l *FileLedger) Put(_ context.Context, ref string, trades []domain.Trade) error {
	data, err := json.Marshal(trades)
	if err != nil {
		return fmt.Errorf("encoding trades %s: %w", ref, err)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return err
	}
	path := l.path(ref)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing trades %s: %w", ref, err)
	}
	return os.Rename(tmp, path)
}

// Get reads the ledger for ref.
func (l *FileLedger) Get(_ context.Context, ref string) ([]domain.Trade, bool, error) {
	data, err := os.ReadFile(l.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodeTrades(ref, data)
}

// Delete removes the ledger for ref.
func (l *FileLedger) Delete(_ context.Context, ref string) error {
	if err := os.Remove(l.path(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *FileLedger) path(ref string) string {
	return filepath.Join(l.Dir, ref+".json")
}

// decodeTrades parses a stored ledger. A JSON null decodes to an empty,
// non-nil slice.
func decodeTrades(ref string, data []byte) ([]domain.Trade, bool, error) {
	var trades []domain.Trade
	if err := json.Unmarshal(data, &trades); err != nil {
		return nil, true, fmt.Errorf("trades %s: %w: %v", ref, domain.ErrDataCorruption, err)
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	return trades, true, nil
}
