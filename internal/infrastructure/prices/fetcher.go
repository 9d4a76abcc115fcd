// Package prices pulls daily OHLCV history from a CSV quote endpoint, one
// polite request per symbol, and writes date-partitioned bars.
package prices

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"orbit/internal/domain"
	"orbit/internal/normalize"
	"orbit/internal/ports"
	"orbit/internal/retry"
)

// Options configures the price fetcher.
type Options struct {
	BaseURL     string
	Symbols     []string
	PoliteDelay time.Duration
	Retry       retry.Policy
	UserAgent   string
	RunID       string
	HTTPClient  *http.Client
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PoliteDelay == 0 {
		o.PoliteDelay = time.Second
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Fetcher downloads each symbol's full daily history and stores the bars
// that are not already on disk.
type Fetcher struct {
	opts    Options
	store   ports.PriceStore
	log     *slog.Logger
	limiter *rate.Limiter
}

// NewFetcher builds a price fetcher.
func NewFetcher(opts Options, store ports.PriceStore, log *slog.Logger) *Fetcher {
	opts = opts.withDefaults()
	return &Fetcher{
		opts:    opts,
		store:   store,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(opts.PoliteDelay), 1),
	}
}

// Run fetches all configured symbols. A symbol that keeps failing is
// skipped and counted; the rest still complete.
func (f *Fetcher) Run(ctx context.Context) (domain.BackfillStats, error) {
	startedAt := f.opts.Now()
	stats := domain.BackfillStats{RunID: f.opts.RunID}
	defer func() {
		stats.ElapsedSeconds = f.opts.Now().Sub(startedAt).Seconds()
	}()

	existing, err := f.store.PricePartitions(ctx)
	if err != nil {
		return stats, fmt.Errorf("scan existing partitions: %w", err)
	}

	for _, symbol := range f.opts.Symbols {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		bars, err := f.fetchSymbol(ctx, symbol, &stats)
		if err != nil {
			if ctx.Err() != nil {
				return stats, err
			}
			f.log.Warn("symbol abandoned", "symbol", symbol, "error", err)
			stats.AbandonedDays++
			continue
		}

		normalized := normalize.NormalizeSymbol(symbol)
		written := 0
		for date, dateBars := range partitionByDate(bars) {
			// A date counts as done for this symbol only when its own
			// file is present; other symbols' files do not cover it.
			if _, done := existing[date][normalized]; done {
				stats.SkippedDays++
				continue
			}
			if err := f.store.WritePrices(ctx, date, normalized, dateBars); err != nil {
				return stats, fmt.Errorf("write %s %s: %w", symbol, date, err)
			}
			written += len(dateBars)
		}
		stats.Fetched += written
		f.log.Info("symbol ingested", "symbol", symbol, "bars", written)
	}

	return stats, nil
}

// fetchSymbol downloads and parses one symbol's CSV history with bounded
// retries.
func (f *Fetcher) fetchSymbol(ctx context.Context, symbol string, stats *domain.BackfillStats) ([]domain.PriceBar, error) {
	endpoint := f.opts.BaseURL + "?s=" + url.QueryEscape(strings.ToLower(symbol)) + "&i=d"

	var lastErr error
	for attempt := 0; attempt < f.opts.Retry.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		raw, err := f.download(ctx, endpoint)
		stats.Requests++
		if err == nil {
			return normalize.PriceBarsFromCSV(raw, symbol, f.opts.RunID, f.opts.Now().UTC())
		}

		lastErr = err
		f.log.Warn("fetch failed, retrying", "symbol", symbol, "attempt", attempt+1, "error", err)
		if sleepErr := f.opts.Retry.Sleep(ctx, attempt); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, fmt.Errorf("fetch %s after %d attempts: %w", symbol, f.opts.Retry.MaxAttempts, lastErr)
}

func (f *Fetcher) download(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, endpoint)
	}
	return io.ReadAll(resp.Body)
}

func partitionByDate(bars []domain.PriceBar) map[string][]domain.PriceBar {
	byDate := make(map[string][]domain.PriceBar)
	for _, bar := range bars {
		byDate[bar.Date] = append(byDate[bar.Date], bar)
	}
	return byDate
}
