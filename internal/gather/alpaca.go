package gather

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"backtestlab/internal/domain"
	"backtestlab/internal/store"
	"backtestlab/internal/util"
)

// Compile-time interface check.
var _ Gatherer = (*AlpacaGatherer)(nil)

// BarFetcher fetches daily bars for several symbols in one request.
type BarFetcher interface {
	FetchDaily(ctx context.Context, symbols []string, r DateRange) ([]domain.Bar, error)
}

// AlpacaFetcher fetches bars from the Alpaca market-data API.
type AlpacaFetcher struct {
	client *marketdata.Client
	feed   string
}

// NewAlpacaFetcher creates a fetcher with the given credentials. An empty
// dataURL uses the client default; an empty feed uses "sip".
func NewAlpacaFetcher(apiKey, apiSecret, dataURL, feed string) *AlpacaFetcher {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	if feed == "" {
		feed = "sip"
	}
	return &AlpacaFetcher{client: marketdata.NewClient(opts), feed: feed}
}

// FetchDaily calls GetMultiBars for symbols over r.
func (f *AlpacaFetcher) FetchDaily(ctx context.Context, symbols []string, r DateRange) ([]domain.Bar, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	multiBars, err := f.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     r.Start,
		End:       r.End,
		Feed:      marketdata.Feed(f.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:    strings.ToUpper(symbol),
				Timestamp: ab.Timestamp.UTC(),
				Open:      ab.Open,
				High:      ab.High,
				Low:       ab.Low,
				Close:     ab.Close,
				Volume:    int64(ab.Volume),
			})
		}
	}
	return bars, nil
}

// AlpacaGatherer backfills daily bars for a fixed symbol list.
type AlpacaGatherer struct {
	fetcher   BarFetcher
	store     store.BarStore
	symbols   []string
	dates     DateRange
	batchSize int
	limiter   *util.RateLimiter
	backoff   time.Duration
	log       *slog.Logger
}

// NewAlpacaGatherer creates a gatherer that fetches symbols in batches of
// batchSize, at most ratePerMin requests per minute.
func NewAlpacaGatherer(f BarFetcher, s store.BarStore, symbols []string, dates DateRange, batchSize, ratePerMin int) *AlpacaGatherer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &AlpacaGatherer{
		fetcher:   f,
		store:     s,
		symbols:   symbols,
		dates:     dates,
		batchSize: batchSize,
		limiter:   util.NewRateLimiter(ratePerMin, 1),
		backoff:   time.Second,
		log:       slog.Default().With("gatherer", "alpaca-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *AlpacaGatherer) Name() string { return "alpaca-daily" }

// Run fetches every batch and writes the bars. A batch that still fails
// after retries is logged and skipped; Run reports how many failed.
func (g *AlpacaGatherer) Run(ctx context.Context) error {
	var (
		failed   int
		written  int
		runStart = time.Now()
	)
	total := (len(g.symbols) + g.batchSize - 1) / g.batchSize

	for i := 0; i < len(g.symbols); i += g.batchSize {
		batch := g.symbols[i:min(i+g.batchSize, len(g.symbols))]
		n := i/g.batchSize + 1

		var bars []domain.Bar
		err := util.Retry(ctx, 3, g.backoff, func() error {
			if err := g.limiter.Wait(ctx); err != nil {
				return util.Permanent(err)
			}
			var err error
			bars, err = g.fetcher.FetchDaily(ctx, batch, g.dates)
			return err
		})
		if err == nil && len(bars) > 0 {
			err = g.store.WriteBars(ctx, bars)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failed++
			g.log.Error("batch failed", "batch", fmt.Sprintf("%d/%d", n, total), "err", err)
			continue
		}
		written += len(bars)
		g.log.Info("batch done",
			"batch", fmt.Sprintf("%d/%d", n, total),
			"bars", len(bars),
			"elapsed", time.Since(runStart).Round(time.Second),
		)
	}

	g.log.Info("complete", "bars", written, "failed_batches", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d batches failed", failed, total)
	}
	return nil
}
