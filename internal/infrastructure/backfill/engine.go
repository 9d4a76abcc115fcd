package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"orbit/internal/domain"
	"orbit/internal/normalize"
	"orbit/internal/ports"
	"orbit/internal/retry"
)

const (
	defaultPageSize           = 50
	defaultTargetRPM          = 190
	defaultCheckpointInterval = 100
)

// Options configures a news backfill engine.
type Options struct {
	BaseURL            string
	Symbols            []string
	PageSize           int
	TargetRPM          float64
	CheckpointInterval int
	CheckpointDir      string
	UserAgent          string
	RunID              string
	RateLimitRetry     retry.Policy
	TransientRetry     retry.Policy
	HTTPClient         *http.Client
	Now                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PageSize == 0 {
		o.PageSize = defaultPageSize
	}
	if o.TargetRPM == 0 {
		o.TargetRPM = defaultTargetRPM
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = defaultCheckpointInterval
	}
	if o.CheckpointDir == "" {
		o.CheckpointDir = "."
	}
	if o.RateLimitRetry.BaseDelay == 0 {
		o.RateLimitRetry.BaseDelay = time.Minute
	}
	if o.RateLimitRetry.MaxDelay == 0 {
		o.RateLimitRetry.MaxDelay = 16 * time.Minute
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine paginates a historical news API day by day, pacing requests to the
// target rate, rotating credentials per request, and checkpointing progress
// so an interrupted run resumes without refetching completed days.
type Engine struct {
	opts    Options
	creds   ports.CredentialProvider
	store   ports.NewsStore
	log     *slog.Logger
	limiter *rate.Limiter
}

// newsPage is the provider's paginated response shape.
type newsPage struct {
	News          []map[string]any `json:"news"`
	NextPageToken *string          `json:"next_page_token"`
}

// NewEngine builds a news backfill engine. creds may hold a single
// credential; rotation then degrades to reusing it for every request.
func NewEngine(opts Options, creds ports.CredentialProvider, store ports.NewsStore, log *slog.Logger) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		opts:    opts,
		creds:   creds,
		store:   store,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(opts.TargetRPM/60.0), 1),
	}
}

// Run fetches the half-open date range [startDate, endDate). Days whose
// output partition already exists, or that a resumed checkpoint marks
// complete, are skipped. The returned statistics are valid even on partial
// failure.
func (e *Engine) Run(ctx context.Context, startDate, endDate string) (domain.BackfillStats, error) {
	startedAt := e.opts.Now()
	stats := domain.BackfillStats{RunID: e.opts.RunID}
	defer func() {
		stats.ElapsedSeconds = e.opts.Now().Sub(startedAt).Seconds()
	}()

	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return stats, fmt.Errorf("parse start date %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return stats, fmt.Errorf("parse end date %q: %w", endDate, err)
	}

	existing, err := e.store.RawNewsPartitions(ctx)
	if err != nil {
		return stats, fmt.Errorf("scan existing partitions: %w", err)
	}

	checkpointPath := CheckpointPath(e.opts.CheckpointDir, "news", e.opts.RunID)
	checkpoint := LoadCheckpoint(checkpointPath)
	if checkpoint != nil {
		e.log.Info("resuming from checkpoint",
			"path", checkpointPath, "fetched", checkpoint.Fetched, "requests", checkpoint.Requests)
		stats.Fetched = checkpoint.Fetched
		stats.Requests = checkpoint.Requests
	} else {
		checkpoint = NewCheckpoint(e.opts.RunID)
	}

	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		dayStr := day.Format("2006-01-02")

		if _, done := existing[dayStr]; done || checkpoint.IsComplete(dayStr) {
			stats.SkippedDays++
			continue
		}

		if err := e.fetchDay(ctx, day, dayStr, checkpoint, &stats); err != nil {
			if ctx.Err() != nil {
				// Interrupted: leave the checkpoint behind for resume.
				checkpoint.Cursor = dayStr
				if saveErr := SaveCheckpoint(checkpointPath, checkpoint); saveErr != nil {
					e.log.Error("save checkpoint on interrupt failed", "error", saveErr)
				}
				return stats, err
			}
			// Persistent rate limiting or hard HTTP failure: skip this
			// day, keep going.
			e.log.Warn("day abandoned", "date", dayStr, "error", err)
			stats.AbandonedDays++
			continue
		}

		checkpoint.MarkComplete(dayStr)
		checkpoint.Cursor = dayStr
		checkpoint.Fetched = stats.Fetched
		checkpoint.Requests = stats.Requests
	}

	DeleteCheckpoint(checkpointPath)
	e.log.Info("backfill complete",
		"fetched", stats.Fetched, "requests", stats.Requests,
		"skipped_days", stats.SkippedDays, "abandoned_days", stats.AbandonedDays)
	return stats, nil
}

// fetchDay paginates one day and appends its records to storage, grouped by
// published date. Partition writes merge by id, so overlap with streaming
// output or a prior partial fetch is harmless.
func (e *Engine) fetchDay(ctx context.Context, day time.Time, dayStr string, checkpoint *Checkpoint, stats *domain.BackfillStats) error {
	var items []domain.NewsItem
	pageToken := ""

	for {
		page, err := e.fetchPage(ctx, day, pageToken, stats, checkpoint)
		if err != nil {
			return err
		}

		receivedAt := e.opts.Now().UTC()
		for _, article := range page.News {
			items = append(items, normalize.News(article, receivedAt, e.opts.RunID))
		}

		if len(page.News) == 0 || page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		pageToken = *page.NextPageToken
	}

	byDate := make(map[string][]domain.NewsItem)
	for _, item := range items {
		date := item.PublishedAt.UTC().Format("2006-01-02")
		byDate[date] = append(byDate[date], item)
	}
	for date, partition := range byDate {
		if err := e.store.AppendRawNews(ctx, date, "news_backfill.parquet", partition); err != nil {
			return fmt.Errorf("write partition %s: %w", date, err)
		}
	}
	// Count only after every partition write lands, so an abandoned day
	// contributes nothing.
	stats.Fetched += len(items)

	e.log.Info("day fetched", "date", dayStr, "articles", len(items))
	return nil
}

// fetchPage performs one paced, credential-rotated request with bounded 429
// retries.
func (e *Engine) fetchPage(ctx context.Context, day time.Time, pageToken string, stats *domain.BackfillStats, checkpoint *Checkpoint) (*newsPage, error) {
	for attempt := 0; ; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		cred, err := e.creds.Next()
		if err != nil {
			return nil, fmt.Errorf("credential rotation: %w", err)
		}

		page, status, err := e.doRequest(ctx, day, pageToken, cred)
		stats.Requests++
		e.creds.RecordUsage(cred.Name, 1, 0)

		if stats.Requests%e.opts.CheckpointInterval == 0 {
			checkpoint.Fetched = stats.Fetched
			checkpoint.Requests = stats.Requests
			path := CheckpointPath(e.opts.CheckpointDir, "news", e.opts.RunID)
			if saveErr := SaveCheckpoint(path, checkpoint); saveErr != nil {
				e.log.Error("save checkpoint failed", "error", saveErr)
			}
		}

		if err == nil {
			return page, nil
		}

		if status == http.StatusTooManyRequests {
			if e.opts.RateLimitRetry.Exhausted(attempt + 1) {
				return nil, fmt.Errorf("rate limited after %d attempts: %w", attempt+1, err)
			}
			e.log.Warn("rate limited, backing off", "attempt", attempt+1, "error", err)
			if sleepErr := e.opts.RateLimitRetry.Sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		// Transient failures: connection errors and server-side 5xx.
		if status == 0 || status >= http.StatusInternalServerError {
			if e.opts.TransientRetry.Exhausted(attempt + 1) {
				return nil, fmt.Errorf("transient failure after %d attempts: %w", attempt+1, err)
			}
			e.log.Warn("transient failure, retrying", "attempt", attempt+1, "error", err)
			if sleepErr := e.opts.TransientRetry.Sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		return nil, err
	}
}

func (e *Engine) doRequest(ctx context.Context, day time.Time, pageToken string, cred domain.Credential) (*newsPage, int, error) {
	query := url.Values{}
	query.Set("symbols", strings.Join(e.opts.Symbols, ","))
	query.Set("start", day.UTC().Format("2006-01-02T15:04:05Z"))
	query.Set("end", day.AddDate(0, 0, 1).UTC().Format("2006-01-02T15:04:05Z"))
	query.Set("limit", strconv.Itoa(e.opts.PageSize))
	query.Set("sort", "asc")
	if pageToken != "" {
		query.Set("page_token", pageToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.opts.BaseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", cred.Value)
	req.Header.Set("APCA-API-SECRET-KEY", cred.Secret)
	if e.opts.UserAgent != "" {
		req.Header.Set("User-Agent", e.opts.UserAgent)
	}

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d from %s", resp.StatusCode, e.opts.BaseURL)
	}

	var page newsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode page: %w", err)
	}
	return &page, resp.StatusCode, nil
}
