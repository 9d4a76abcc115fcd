// Package usecase orchestrates the day pipeline: raw partitions in, curated
// partitions out.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"orbit/internal/domain"
	"orbit/internal/ports"
	"orbit/internal/preprocess"
)

const dateLayout = "2006-01-02"

// PipelineDeps wires the driven adapters into the curation pipeline.
// Sentiment may be nil; curated records then keep nil sentiment fields.
type PipelineDeps struct {
	News      ports.NewsStore
	Social    ports.SocialStore
	Sentiment ports.SentimentScorer
	Log       *slog.Logger
}

// SourceOptions tunes dedupe for one source.
type SourceOptions struct {
	HammingThreshold int
	WindowDays       int
}

// PipelineOptions configures cutoff enforcement and per-source dedupe.
type PipelineOptions struct {
	Cutoff          preprocess.CutoffOptions
	FingerprintBits int
	News            SourceOptions
	Social          SourceOptions
}

// Pipeline turns raw partitions into curated ones: cutoff, dedupe, novelty
// against a trailing window of curated leaders, then optional sentiment.
type Pipeline struct {
	news      ports.NewsStore
	social    ports.SocialStore
	sentiment ports.SentimentScorer
	log       *slog.Logger

	cutoff       preprocess.CutoffOptions
	newsScorer   *preprocess.Scorer
	socialScorer *preprocess.Scorer
	newsWindow   int
	socialWindow int
}

// NewPipeline validates dedupe tuning and builds the pipeline.
func NewPipeline(deps PipelineDeps, opts PipelineOptions) (*Pipeline, error) {
	newsScorer, err := preprocess.NewScorer(opts.FingerprintBits, opts.News.HammingThreshold)
	if err != nil {
		return nil, fmt.Errorf("news dedupe: %w", err)
	}
	socialScorer, err := preprocess.NewScorer(opts.FingerprintBits, opts.Social.HammingThreshold)
	if err != nil {
		return nil, fmt.Errorf("social dedupe: %w", err)
	}

	newsWindow := opts.News.WindowDays
	if newsWindow <= 0 {
		newsWindow = 7
	}
	socialWindow := opts.Social.WindowDays
	if socialWindow <= 0 {
		socialWindow = 7
	}

	return &Pipeline{
		news:         deps.News,
		social:       deps.Social,
		sentiment:    deps.Sentiment,
		log:          deps.Log,
		cutoff:       opts.Cutoff,
		newsScorer:   newsScorer,
		socialScorer: socialScorer,
		newsWindow:   newsWindow,
		socialWindow: socialWindow,
	}, nil
}

// ProcessNewsDay curates one raw news partition. A missing or empty raw
// partition is a no-op, not an error.
func (p *Pipeline) ProcessNewsDay(ctx context.Context, date string) (domain.PreprocessStats, error) {
	stats := domain.PreprocessStats{TotalDays: 1}

	raw, err := p.news.ReadRawNews(ctx, date)
	if err != nil {
		return stats, fmt.Errorf("read raw news %s: %w", date, err)
	}
	if len(raw) == 0 {
		return stats, nil
	}

	kept, cut, err := preprocess.ApplyCutoff(raw, func(n domain.NewsItem) time.Time {
		return n.PublishedAt
	}, date, p.cutoff)
	if err != nil {
		return stats, err
	}
	p.log.Info("cutoff applied",
		"source", "news", "date", date, "kept", len(kept),
		"dropped_out_of_window", cut.DroppedOutOfWindow, "dropped_late", cut.DroppedLate)

	ids := make([]string, len(kept))
	texts := make([]string, len(kept))
	for i, item := range kept {
		ids[i] = item.MsgID
		texts[i] = preprocess.PrepareText(newsText(item))
	}

	annotations, err := p.newsScorer.Annotate(ids, texts)
	if err != nil {
		return stats, fmt.Errorf("dedupe news %s: %w", date, err)
	}

	reference, err := p.newsReference(ctx, date)
	if err != nil {
		return stats, err
	}

	leaderIdx := make([]int, 0, len(kept))
	leaderTexts := make([]string, 0, len(kept))
	for i, a := range annotations {
		if !a.IsDupe {
			leaderIdx = append(leaderIdx, i)
			leaderTexts = append(leaderTexts, texts[i])
		}
	}
	novelty := p.newsScorer.Novelty(leaderTexts, reference)

	curated := make([]domain.CuratedNews, len(kept))
	for i, item := range kept {
		curated[i] = domain.CuratedNews{
			NewsItem:    item,
			CutoffAudit: auditFields(cut),
			DedupeFields: domain.DedupeFields{
				IsDupe:    annotations[i].IsDupe,
				ClusterID: annotations[i].ClusterID,
			},
		}
	}
	for j, i := range leaderIdx {
		score := novelty[j]
		curated[i].Novelty = &score
	}

	if p.sentiment != nil {
		inputs := make([]ports.SentimentInput, 0, len(leaderIdx))
		for _, i := range leaderIdx {
			inputs = append(inputs, ports.SentimentInput{ID: kept[i].MsgID, Text: newsText(kept[i])})
		}
		applySentiment(curated, p.sentiment.ScoreBatch(ctx, inputs), func(c *domain.CuratedNews) (string, *domain.SentimentFields) {
			return c.MsgID, &c.SentimentFields
		})
	}

	if err := p.news.WriteCuratedNews(ctx, date, curated); err != nil {
		return stats, fmt.Errorf("write curated news %s: %w", date, err)
	}

	stats.ProcessedDays = 1
	stats.TotalItems = len(curated)
	stats.Duplicates = len(curated) - len(leaderIdx)
	return stats, nil
}

// ProcessSocialDay curates one raw social partition.
func (p *Pipeline) ProcessSocialDay(ctx context.Context, date string) (domain.PreprocessStats, error) {
	stats := domain.PreprocessStats{TotalDays: 1}

	raw, err := p.social.ReadRawSocial(ctx, date)
	if err != nil {
		return stats, fmt.Errorf("read raw social %s: %w", date, err)
	}
	if len(raw) == 0 {
		return stats, nil
	}

	kept, cut, err := preprocess.ApplyCutoff(raw, func(s domain.SocialPost) time.Time {
		return s.CreatedUTC
	}, date, p.cutoff)
	if err != nil {
		return stats, err
	}
	p.log.Info("cutoff applied",
		"source", "social", "date", date, "kept", len(kept),
		"dropped_out_of_window", cut.DroppedOutOfWindow, "dropped_late", cut.DroppedLate)

	ids := make([]string, len(kept))
	texts := make([]string, len(kept))
	for i, post := range kept {
		ids[i] = post.ID
		texts[i] = preprocess.PrepareText(socialText(post))
	}

	annotations, err := p.socialScorer.Annotate(ids, texts)
	if err != nil {
		return stats, fmt.Errorf("dedupe social %s: %w", date, err)
	}

	reference, err := p.socialReference(ctx, date)
	if err != nil {
		return stats, err
	}

	leaderIdx := make([]int, 0, len(kept))
	leaderTexts := make([]string, 0, len(kept))
	for i, a := range annotations {
		if !a.IsDupe {
			leaderIdx = append(leaderIdx, i)
			leaderTexts = append(leaderTexts, texts[i])
		}
	}
	novelty := p.socialScorer.Novelty(leaderTexts, reference)

	curated := make([]domain.CuratedSocial, len(kept))
	for i, post := range kept {
		curated[i] = domain.CuratedSocial{
			SocialPost:  post,
			CutoffAudit: auditFields(cut),
			DedupeFields: domain.DedupeFields{
				IsDupe:    annotations[i].IsDupe,
				ClusterID: annotations[i].ClusterID,
			},
		}
	}
	for j, i := range leaderIdx {
		score := novelty[j]
		curated[i].Novelty = &score
	}

	if p.sentiment != nil {
		inputs := make([]ports.SentimentInput, 0, len(leaderIdx))
		for _, i := range leaderIdx {
			inputs = append(inputs, ports.SentimentInput{ID: kept[i].ID, Text: socialText(kept[i])})
		}
		applySentiment(curated, p.sentiment.ScoreBatch(ctx, inputs), func(c *domain.CuratedSocial) (string, *domain.SentimentFields) {
			return c.ID, &c.SentimentFields
		})
	}

	if err := p.social.WriteCuratedSocial(ctx, date, curated); err != nil {
		return stats, fmt.Errorf("write curated social %s: %w", date, err)
	}

	stats.ProcessedDays = 1
	stats.TotalItems = len(curated)
	stats.Duplicates = len(curated) - len(leaderIdx)
	return stats, nil
}

// ProcessRange curates both sources over the half-open range [start, end).
// Per-day failures abort the run; stats cover the days completed so far.
func (p *Pipeline) ProcessRange(ctx context.Context, startDate, endDate string) (domain.PreprocessStats, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return domain.PreprocessStats{}, fmt.Errorf("parse start date %q: %w", startDate, err)
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return domain.PreprocessStats{}, fmt.Errorf("parse end date %q: %w", endDate, err)
	}

	var total domain.PreprocessStats
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateLayout)

		newsStats, err := p.ProcessNewsDay(ctx, date)
		accumulate(&total, newsStats)
		if err != nil {
			return total, err
		}

		socialStats, err := p.ProcessSocialDay(ctx, date)
		accumulate(&total, socialStats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ProcessDay is the scheduler entry point: curate the trading day the
// trigger time falls on, in the cutoff timezone.
func (p *Pipeline) ProcessDay(ctx context.Context, trigger time.Time) error {
	loc := p.cutoff.Location
	if loc == nil {
		loc = time.UTC
	}
	date := trigger.In(loc).Format(dateLayout)

	if _, err := p.ProcessNewsDay(ctx, date); err != nil {
		return err
	}
	_, err := p.ProcessSocialDay(ctx, date)
	return err
}

// newsReference collects prepared leader texts from the trailing curated
// window, the corpus new-day novelty is measured against.
func (p *Pipeline) newsReference(ctx context.Context, date string) ([]string, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}

	var reference []string
	for back := 1; back <= p.newsWindow; back++ {
		prior := day.AddDate(0, 0, -back).Format(dateLayout)
		items, err := p.news.ReadCuratedNews(ctx, prior)
		if err != nil {
			return nil, fmt.Errorf("read curated news %s: %w", prior, err)
		}
		for _, item := range items {
			if item.IsDupe {
				continue
			}
			reference = append(reference, preprocess.PrepareText(newsText(item.NewsItem)))
		}
	}
	return reference, nil
}

func (p *Pipeline) socialReference(ctx context.Context, date string) ([]string, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", date, err)
	}

	var reference []string
	for back := 1; back <= p.socialWindow; back++ {
		prior := day.AddDate(0, 0, -back).Format(dateLayout)
		posts, err := p.social.ReadCuratedSocial(ctx, prior)
		if err != nil {
			return nil, fmt.Errorf("read curated social %s: %w", prior, err)
		}
		for _, post := range posts {
			if post.IsDupe {
				continue
			}
			reference = append(reference, preprocess.PrepareText(socialText(post.SocialPost)))
		}
	}
	return reference, nil
}

func newsText(item domain.NewsItem) string {
	if item.Summary != nil && *item.Summary != "" {
		return item.Headline + " " + *item.Summary
	}
	return item.Headline
}

func socialText(post domain.SocialPost) string {
	if post.Body != nil && *post.Body != "" {
		return post.Title + " " + *post.Body
	}
	return post.Title
}

func auditFields(cut preprocess.CutoffResult) domain.CutoffAudit {
	return domain.CutoffAudit{
		WindowStart:      cut.Window.Start.UTC(),
		WindowEnd:        cut.Window.End.UTC(),
		CutoffAppliedAt:  cut.AppliedAt,
		DroppedLateCount: int64(cut.DroppedLate),
	}
}

// applySentiment copies scored fields onto the curated records that match
// by id. Duplicates stay unscored and inherit from their cluster leader at
// analysis time.
func applySentiment[T any](curated []T, results []ports.SentimentResult, access func(*T) (string, *domain.SentimentFields)) {
	byID := make(map[string]ports.SentimentResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for i := range curated {
		id, fields := access(&curated[i])
		r, ok := byID[id]
		if !ok {
			continue
		}
		sentiment, stance, sarcasm := r.Sentiment, r.Stance, r.Sarcasm
		fields.Sentiment = &sentiment
		fields.Stance = &stance
		fields.Sarcasm = &sarcasm
	}
}

func accumulate(total *domain.PreprocessStats, day domain.PreprocessStats) {
	total.TotalDays += day.TotalDays
	total.ProcessedDays += day.ProcessedDays
	total.TotalItems += day.TotalItems
	total.Duplicates += day.Duplicates
}
