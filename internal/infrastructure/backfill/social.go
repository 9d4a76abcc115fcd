package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"orbit/internal/domain"
	"orbit/internal/normalize"
	"orbit/internal/ports"
	"orbit/internal/retry"
)

const (
	defaultPageLimit = 25
	defaultTargetRPS = 3.5
	maxSocialPages   = 100
)

// SocialOptions configures a social archive backfill engine.
type SocialOptions struct {
	BaseURL            string
	Subreddits         []string
	PageLimit          int
	TargetRPS          float64
	CheckpointInterval int
	CheckpointDir      string
	UserAgent          string
	RunID              string
	RateLimitRetry     retry.Policy
	TransientRetry     retry.Policy
	HTTPClient         *http.Client
	Now                func() time.Time
}

func (o SocialOptions) withDefaults() SocialOptions {
	if o.PageLimit == 0 {
		o.PageLimit = defaultPageLimit
	}
	if o.TargetRPS == 0 {
		o.TargetRPS = defaultTargetRPS
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
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SocialEngine fetches historical posts from a public archive API, one
// (day, subreddit) unit at a time, paginating inside the day by moving the
// upper time cursor down to the earliest post seen. The archive needs no
// credentials; pacing alone keeps it polite.
type SocialEngine struct {
	opts    SocialOptions
	store   ports.SocialStore
	log     *slog.Logger
	limiter *rate.Limiter
}

type socialPage struct {
	Data []map[string]any `json:"data"`
}

// NewSocialEngine builds a social backfill engine.
func NewSocialEngine(opts SocialOptions, store ports.SocialStore, log *slog.Logger) *SocialEngine {
	opts = opts.withDefaults()
	return &SocialEngine{
		opts:    opts,
		store:   store,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(opts.TargetRPS), 1),
	}
}

// Run fetches the half-open date range [startDate, endDate) for every
// configured subreddit. Completed (day, subreddit) pairs from a resumed
// checkpoint are skipped; without a checkpoint, dates whose output
// partition already exists are skipped whole.
func (e *SocialEngine) Run(ctx context.Context, startDate, endDate string) (domain.BackfillStats, error) {
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

	checkpointPath := CheckpointPath(e.opts.CheckpointDir, "social", e.opts.RunID)
	checkpoint := LoadCheckpoint(checkpointPath)

	var existing map[string]struct{}
	if checkpoint == nil {
		checkpoint = NewCheckpoint(e.opts.RunID)
		if existing, err = e.store.RawSocialPartitions(ctx); err != nil {
			return stats, fmt.Errorf("scan existing partitions: %w", err)
		}
	} else {
		e.log.Info("resuming from checkpoint", "path", checkpointPath, "requests", checkpoint.Requests)
		stats.Fetched = checkpoint.Fetched
		stats.Requests = checkpoint.Requests
	}

	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		dayStr := day.Format("2006-01-02")
		if _, done := existing[dayStr]; done {
			stats.SkippedDays++
			continue
		}

		for _, subreddit := range e.opts.Subreddits {
			unit := dayStr + "_" + subreddit
			if checkpoint.IsComplete(unit) {
				stats.SkippedDays++
				continue
			}

			if err := e.fetchDayUnit(ctx, day, dayStr, subreddit, checkpoint, &stats); err != nil {
				if ctx.Err() != nil {
					checkpoint.Cursor = dayStr
					if saveErr := SaveCheckpoint(checkpointPath, checkpoint); saveErr != nil {
						e.log.Error("save checkpoint on interrupt failed", "error", saveErr)
					}
					return stats, err
				}
				e.log.Warn("day abandoned", "date", dayStr, "subreddit", subreddit, "error", err)
				stats.AbandonedDays++
				continue
			}

			checkpoint.MarkComplete(unit)
			checkpoint.Cursor = dayStr
			checkpoint.Fetched = stats.Fetched
			checkpoint.Requests = stats.Requests
		}
	}

	DeleteCheckpoint(checkpointPath)
	e.log.Info("social backfill complete",
		"fetched", stats.Fetched, "requests", stats.Requests,
		"skipped", stats.SkippedDays, "abandoned", stats.AbandonedDays)
	return stats, nil
}

// fetchDayUnit pulls one subreddit's posts for one day and appends the
// on-topic ones to the day's partition.
func (e *SocialEngine) fetchDayUnit(ctx context.Context, day time.Time, dayStr, subreddit string, checkpoint *Checkpoint, stats *domain.BackfillStats) error {
	after := day.UTC()
	before := day.AddDate(0, 0, 1).UTC()

	var posts []domain.SocialPost
	fetched := 0
	for page := 0; page < maxSocialPages; page++ {
		raw, err := e.fetchSocialPage(ctx, subreddit, after, before, checkpoint, stats)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			break
		}

		receivedAt := e.opts.Now().UTC()
		earliest := before
		for _, rawPost := range raw {
			post := normalize.Social(rawPost, receivedAt, e.opts.RunID)
			if !post.CreatedUTC.IsZero() && post.CreatedUTC.Before(earliest) {
				earliest = post.CreatedUTC
			}
			if len(post.Symbols) == 1 && post.Symbols[0] == "off-topic" {
				continue
			}
			posts = append(posts, post)
		}
		fetched += len(raw)

		if len(raw) < e.opts.PageLimit {
			break
		}
		// Newest-first pages: move the upper cursor down to the earliest
		// post seen so the next page continues into older posts.
		if !earliest.Before(before) {
			break
		}
		before = earliest
	}

	if len(posts) > 0 {
		if err := e.store.AppendRawSocial(ctx, dayStr, "social.parquet", posts); err != nil {
			return fmt.Errorf("write partition %s: %w", dayStr, err)
		}
	}
	// Count only after the partition write lands, so an abandoned unit
	// contributes nothing.
	stats.Fetched += fetched
	e.log.Info("day fetched", "date", dayStr, "subreddit", subreddit, "posts", len(posts))
	return nil
}

func (e *SocialEngine) fetchSocialPage(ctx context.Context, subreddit string, after, before time.Time, checkpoint *Checkpoint, stats *domain.BackfillStats) ([]map[string]any, error) {
	for attempt := 0; ; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		posts, status, err := e.doSocialRequest(ctx, subreddit, after, before)
		stats.Requests++

		if stats.Requests%e.opts.CheckpointInterval == 0 {
			checkpoint.Fetched = stats.Fetched
			checkpoint.Requests = stats.Requests
			path := CheckpointPath(e.opts.CheckpointDir, "social", e.opts.RunID)
			if saveErr := SaveCheckpoint(path, checkpoint); saveErr != nil {
				e.log.Error("save checkpoint failed", "error", saveErr)
			}
		}

		if err == nil {
			return posts, nil
		}

		// The archive answers 400 past the end of its data for the window.
		if status == http.StatusBadRequest {
			return nil, nil
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

func (e *SocialEngine) doSocialRequest(ctx context.Context, subreddit string, after, before time.Time) ([]map[string]any, int, error) {
	query := url.Values{}
	query.Set("subreddit", subreddit)
	query.Set("after", after.Format("2006-01-02T15:04:05"))
	query.Set("before", before.Format("2006-01-02T15:04:05"))
	query.Set("limit", strconv.Itoa(e.opts.PageLimit))
	query.Set("sort", "desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.opts.BaseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if e.opts.UserAgent != "" {
		req.Header.Set("User-Agent", e.opts.UserAgent)
	}

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch posts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %d from %s", resp.StatusCode, e.opts.BaseURL)
	}

	var page socialPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode posts: %w", err)
	}
	return page.Data, resp.StatusCode, nil
}
