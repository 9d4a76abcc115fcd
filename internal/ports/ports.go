package ports

import (
	"context"
	"time"

	"orbit/internal/domain"
)

// NewsStore persists news records into date-partitioned storage.
// Appends merge by msg_id so overlapping streaming and backfill output
// never duplicates a record inside a partition.
type NewsStore interface {
	AppendRawNews(ctx context.Context, date string, file string, items []domain.NewsItem) error
	ReadRawNews(ctx context.Context, date string) ([]domain.NewsItem, error)
	WriteCuratedNews(ctx context.Context, date string, items []domain.CuratedNews) error
	ReadCuratedNews(ctx context.Context, date string) ([]domain.CuratedNews, error)
	RawNewsPartitions(ctx context.Context) (map[string]struct{}, error)
}

// SocialStore persists social records into date-partitioned storage.
type SocialStore interface {
	AppendRawSocial(ctx context.Context, date string, file string, items []domain.SocialPost) error
	ReadRawSocial(ctx context.Context, date string) ([]domain.SocialPost, error)
	WriteCuratedSocial(ctx context.Context, date string, items []domain.CuratedSocial) error
	ReadCuratedSocial(ctx context.Context, date string) ([]domain.CuratedSocial, error)
	RawSocialPartitions(ctx context.Context) (map[string]struct{}, error)
}

// PriceStore persists daily bars. PricePartitions reports which symbols
// already have a file per date, so resume scans never mistake a partial
// partition for a complete one.
type PriceStore interface {
	WritePrices(ctx context.Context, date string, symbol string, bars []domain.PriceBar) error
	PricePartitions(ctx context.Context) (map[string]map[string]struct{}, error)
}

// RejectsSink receives records that failed validation, with reasons.
type RejectsSink interface {
	WriteRejects(ctx context.Context, source string, date string, rejects []domain.Reject) error
}

// CredentialProvider hands out usable credentials under quota tracking.
// Next returns rotation.ErrExhausted when every credential has reached its
// safety-margin quota for the current period.
type CredentialProvider interface {
	Next() (domain.Credential, error)
	RecordUsage(name string, requests, tokens int)
}

// SentimentScorer enriches a batch of text items. Implementations substitute
// neutral results instead of failing the run when credentials run out.
type SentimentScorer interface {
	ScoreBatch(ctx context.Context, items []SentimentInput) []SentimentResult
}

// SentimentInput is one text to score, keyed by record id.
type SentimentInput struct {
	ID   string
	Text string
}

// SentimentResult carries the scored fields for one record.
type SentimentResult struct {
	ID        string
	Sentiment float64
	Stance    string
	Sarcasm   bool
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
