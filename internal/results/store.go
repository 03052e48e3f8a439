package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"

	"backtestlab/internal/domain"
)

// Summary is one index row: the key, the parameters, and scalar metrics.
// Building a Summary never touches payloads.
type Summary struct {
	Key       Key            `json:"key"`
	Params    domain.Params  `json:"params"`
	Metrics   domain.Metrics `json:"metrics"`
	StartDate time.Time      `json:"start_date"`
	EndDate   time.Time      `json:"end_date"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Record is a full stored result. Equity and Trades are None when that
// payload was never stored; an empty ledger is Some of an empty slice.
type Record struct {
	Summary
	Equity optional.Option[[]domain.EquityPoint] `json:"equity"`
	Trades optional.Option[[]domain.Trade]       `json:"trades"`
}

// NewRecord builds the record for one simulation. Both payloads are present,
// even when the ledger is empty.
func NewRecord(key Key, params domain.Params, res domain.SimulationResult) Record {
	trades := res.Trades
	if trades == nil {
		trades = []domain.Trade{}
	}
	start, end := res.DateRange()
	return Record{
		Summary: Summary{Key: key, Params: params, Metrics: res.Metrics, StartDate: start, EndDate: end},
		Equity:  optional.Some(res.Equity),
		Trades:  optional.Some(trades),
	}
}

// Store is the results store. A store-wide RWMutex makes each Put appear
// atomic to readers: payloads are written under a fresh ref before the index
// row is switched to it, and readers hold the read lock across the row and
// payload reads.
type Store struct {
	index    *SQLIndex
	payloads PayloadStore
	log      *slog.Logger
	now      func() time.Time

	mu sync.RWMutex
}

// Options configures Open.
type Options struct {
	Dir    string // payload root, and sqlite index location when DSN is empty
	Driver string // "sqlite" or "postgres"
	DSN    string
	Ledger Ledger // nil stores ledgers as JSON files
}

// Open opens the index and payload storage described by opts.
func Open(ctx context.Context, opts Options, log *slog.Logger) (*Store, error) {
	driver, dsn := opts.Driver, opts.DSN
	if driver == "" {
		driver = "sqlite"
	}
	if driver == "sqlite" && dsn == "" {
		dsn = filepath.Join(opts.Dir, "index.db")
	}
	index, err := OpenIndex(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	return New(index, NewFilePayloads(opts.Dir, opts.Ledger), log), nil
}

// New assembles a store from its parts.
func New(index *SQLIndex, payloads PayloadStore, log *slog.Logger) *Store {
	return &Store{
		index:    index,
		payloads: payloads,
		log:      log.With("component", "results-store"),
		now:      time.Now,
	}
}

// Close closes the index.
func (s *Store) Close() error {
	return s.index.Close()
}

// ---------------------------------------------------------------------------
// Core operations
// ---------------------------------------------------------------------------

// Put stores rec, replacing any record with the same key.
func (s *Store) Put(ctx context.Context, rec Record) error {
	key := rec.Key
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("%w: encoding params for %s: %v", domain.ErrInvalidInput, key, err)
	}

	ref := uuid.NewString()
	if rec.Equity.IsSome() {
		if err := s.payloads.PutEquity(ctx, ref, rec.Equity.Unwrap()); err != nil {
			s.discard(ctx, ref)
			return err
		}
	}
	if rec.Trades.IsSome() {
		if err := s.payloads.PutTrades(ctx, ref, rec.Trades.Unwrap()); err != nil {
			s.discard(ctx, ref)
			return err
		}
	}

	row := indexRow{
		ID:          key.ID(),
		Symbol:      key.Symbol,
		Strategy:    key.Strategy,
		ParamsHash:  key.ParamsHash,
		ExitRule:    key.ExitRule,
		Params:      string(params),
		WinRate:     rec.Metrics.WinRate,
		NumTrades:   rec.Metrics.NumTrades,
		TotalReturn: rec.Metrics.TotalReturn,
		CAGR:        rec.Metrics.CAGR,
		SharpeRatio: rec.Metrics.SharpeRatio,
		MaxDrawdown: rec.Metrics.MaxDrawdown,
		Expectancy:  rec.Metrics.Expectancy,
		StartDate:   rec.StartDate.UnixMilli(),
		EndDate:     rec.EndDate.UnixMilli(),
		PayloadRef:  ref,
		HasEquity:   boolInt(rec.Equity.IsSome()),
		HasTrades:   boolInt(rec.Trades.IsSome()),
		UpdatedAt:   s.now().UnixMilli(),
	}

	s.mu.Lock()
	old, found, err := s.index.get(ctx, row.ID)
	if err == nil {
		err = s.index.upsert(ctx, row)
	}
	s.mu.Unlock()

	if err != nil {
		s.discard(ctx, ref)
		return err
	}
	// Readers of the old row finished before the write lock was granted.
	if found {
		s.discard(ctx, old.PayloadRef)
	}
	return nil
}

// Get returns the full record for key. found is false when the key was never
// stored. When the stored params or a payload are unreadable the record is
// still returned with the metrics from the index and the damaged part left
// empty, together with an error wrapping domain.ErrDataCorruption.
func (s *Store) Get(ctx context.Context, key Key) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, found, err := s.index.get(ctx, key.ID())
	if err != nil || !found {
		return Record{}, false, err
	}

	var errs []error
	sum, err := row.summary()
	if err != nil {
		s.log.Error("corrupt index row", "key", key.String(), "error", err)
		errs = append(errs, err)
	}
	rec := Record{
		Summary: sum,
		Equity:  optional.None[[]domain.EquityPoint](),
		Trades:  optional.None[[]domain.Trade](),
	}

	if row.HasEquity == 1 {
		points, ok, err := s.payloads.GetEquity(ctx, row.PayloadRef)
		switch {
		case err != nil:
			errs = append(errs, s.corrupt(key, row.PayloadRef, "equity", err))
		case !ok:
			errs = append(errs, s.corrupt(key, row.PayloadRef, "equity", errors.New("payload missing")))
		default:
			rec.Equity = optional.Some(points)
		}
	}
	if row.HasTrades == 1 {
		trades, ok, err := s.payloads.GetTrades(ctx, row.PayloadRef)
		switch {
		case err != nil:
			errs = append(errs, s.corrupt(key, row.PayloadRef, "trades", err))
		case !ok:
			errs = append(errs, s.corrupt(key, row.PayloadRef, "trades", errors.New("payload missing")))
		default:
			rec.Trades = optional.Some(trades)
		}
	}
	return rec, true, errors.Join(errs...)
}

// Query returns the summaries matching f from the index alone. Rows whose
// params cannot be decoded are skipped; the rest are returned together with
// an error wrapping domain.ErrDataCorruption.
func (s *Store) Query(ctx context.Context, f Filter) ([]Summary, error) {
	s.mu.RLock()
	rows, err := s.index.query(ctx, f)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.summaries(rows)
}

// Delete removes the record for key. It reports whether a record existed.
func (s *Store) Delete(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	ref, err := s.index.remove(ctx, key.ID())
	s.mu.Unlock()
	if err != nil || ref == "" {
		return false, err
	}
	s.discard(ctx, ref)
	return true, nil
}

// ---------------------------------------------------------------------------
// Index-only aggregates
// ---------------------------------------------------------------------------

// StoreSummary counts stored results.
type StoreSummary struct {
	TotalBacktests   int `json:"total_backtests"`
	UniqueSymbols    int `json:"unique_symbols"`
	UniqueStrategies int `json:"unique_strategies"`
}

// Summary counts the stored results.
func (s *Store) Summary(ctx context.Context) (StoreSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total, symbols, strategies, err := s.index.counts(ctx)
	return StoreSummary{TotalBacktests: total, UniqueSymbols: symbols, UniqueStrategies: strategies}, err
}

// TopPerformers returns up to n summaries for strategy with at least
// minTrades trades, best first by metric.
func (s *Store) TopPerformers(ctx context.Context, strategy, metric string, minTrades, n int) ([]Summary, error) {
	if _, ok := SortableMetrics[metric]; !ok {
		return nil, fmt.Errorf("%w: unknown metric %q", domain.ErrInvalidInput, metric)
	}
	return s.Query(ctx, Filter{Strategy: strategy, MinTrades: minTrades, OrderBy: metric, Limit: n})
}

// BulkStats returns the summaries for keys that exist, keyed by Key.ID().
// Corrupt rows are skipped as in Query.
func (s *Store) BulkStats(ctx context.Context, keys []Key) (map[string]Summary, error) {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID()
	}
	s.mu.RLock()
	rows, err := s.index.byIDs(ctx, ids)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	sums, err := s.summaries(rows)
	out := make(map[string]Summary, len(sums))
	for _, sum := range sums {
		out[sum.Key.ID()] = sum
	}
	return out, err
}

// Clear removes every record and its payloads. Group sets are kept.
func (s *Store) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	refs, err := s.index.removeAll(ctx)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		s.discard(ctx, ref)
	}
	s.log.Info("cleared results store", "records", len(refs))
	return len(refs), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Store) summaries(rows []indexRow) ([]Summary, error) {
	out := make([]Summary, 0, len(rows))
	var errs []error
	for _, r := range rows {
		sum, err := r.summary()
		if err != nil {
			s.log.Error("skipping corrupt index row", "id", r.ID, "symbol", r.Symbol, "strategy", r.Strategy, "error", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, sum)
	}
	return out, errors.Join(errs...)
}

func (s *Store) corrupt(key Key, ref, payload string, cause error) error {
	s.log.Error("corrupt payload",
		"symbol", key.Symbol,
		"strategy", key.Strategy,
		"params_hash", key.ParamsHash,
		"exit_rule", key.ExitRule,
		"payload", payload,
		"ref", ref,
		"error", cause,
	)
	if errors.Is(cause, domain.ErrDataCorruption) {
		return fmt.Errorf("%s for %s: %w", payload, key, cause)
	}
	return fmt.Errorf("%s for %s: %w: %v", payload, key, domain.ErrDataCorruption, cause)
}

// discard deletes payloads that no index row references.
func (s *Store) discard(ctx context.Context, ref string) {
	if err := s.payloads.Delete(ctx, ref); err != nil {
		s.log.Warn("removing orphaned payload", "ref", ref, "error", err)
	}
}

// summary builds the Summary from the row columns. On a params decoding
// error the returned Summary is complete except for Params.
func (r indexRow) summary() (Summary, error) {
	sum := Summary{
		Key: Key{Symbol: r.Symbol, Strategy: r.Strategy, ParamsHash: r.ParamsHash, ExitRule: r.ExitRule},
		Metrics: domain.Metrics{
			WinRate:     r.WinRate,
			NumTrades:   r.NumTrades,
			TotalReturn: r.TotalReturn,
			CAGR:        r.CAGR,
			SharpeRatio: r.SharpeRatio,
			MaxDrawdown: r.MaxDrawdown,
			Expectancy:  r.Expectancy,
		},
		StartDate: time.UnixMilli(r.StartDate).UTC(),
		EndDate:   time.UnixMilli(r.EndDate).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Params), &sum.Params); err != nil {
		sum.Params = nil
		return sum, fmt.Errorf("params for %s: %w: %v", r.ID, domain.ErrDataCorruption, err)
	}
	return sum, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
