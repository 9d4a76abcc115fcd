package domain

import "time"

// Credential is one numbered API credential owned by the rotation manager.
// Usage counters are mutated only through Rotator.RecordUsage.
type Credential struct {
	Name          string
	Value         string
	Secret        string
	RequestsToday int
	TokensToday   int
	LastUsedAt    time.Time
	LastResetDate string
}

// NewsItem is the canonical news record shared by the streaming and
// backfill paths. Re-normalizing the same provider message always yields
// the same MsgID.
type NewsItem struct {
	MsgID       string    `parquet:"msg_id" json:"msg_id"`
	PublishedAt time.Time `parquet:"published_at,timestamp" json:"published_at"`
	ReceivedAt  time.Time `parquet:"received_at,timestamp" json:"received_at"`
	Symbols     []string  `parquet:"symbols,list" json:"symbols"`
	Headline    string    `parquet:"headline" json:"headline"`
	Summary     *string   `parquet:"summary,optional" json:"summary,omitempty"`
	Source      string    `parquet:"source" json:"source"`
	URL         *string   `parquet:"url,optional" json:"url,omitempty"`
	Raw         string    `parquet:"raw" json:"raw"`
	RunID       string    `parquet:"run_id" json:"run_id"`
}

// SocialPost is the canonical social record. Author is stored hashed.
type SocialPost struct {
	ID          string    `parquet:"id" json:"id"`
	CreatedUTC  time.Time `parquet:"created_utc,timestamp" json:"created_utc"`
	Subreddit   string    `parquet:"subreddit" json:"subreddit"`
	Author      string    `parquet:"author" json:"author"`
	Title       string    `parquet:"title" json:"title"`
	Body        *string   `parquet:"body,optional" json:"body,omitempty"`
	Permalink   string    `parquet:"permalink" json:"permalink"`
	UpvoteRatio *float64  `parquet:"upvote_ratio,optional" json:"upvote_ratio,omitempty"`
	NumComments int64     `parquet:"num_comments" json:"num_comments"`
	Symbols     []string  `parquet:"symbols,list" json:"symbols"`
	ContentHash string    `parquet:"content_hash" json:"content_hash"`
	IngestedAt  time.Time `parquet:"ingested_at,timestamp" json:"ingested_at"`
	Raw         string    `parquet:"raw" json:"raw"`
	RunID       string    `parquet:"run_id" json:"run_id"`
}

// PriceBar is one daily OHLCV bar for a symbol.
type PriceBar struct {
	Symbol     string    `parquet:"symbol" json:"symbol"`
	Date       string    `parquet:"date" json:"date"`
	Open       float64   `parquet:"open" json:"open"`
	High       float64   `parquet:"high" json:"high"`
	Low        float64   `parquet:"low" json:"low"`
	Close      float64   `parquet:"close" json:"close"`
	Volume     float64   `parquet:"volume" json:"volume"`
	IngestedAt time.Time `parquet:"ingested_at,timestamp" json:"ingested_at"`
	RunID      string    `parquet:"run_id" json:"run_id"`
}

// CutoffAudit carries the membership-window bookkeeping attached to every
// curated record.
type CutoffAudit struct {
	WindowStart      time.Time `parquet:"window_start,timestamp" json:"window_start"`
	WindowEnd        time.Time `parquet:"window_end,timestamp" json:"window_end"`
	CutoffAppliedAt  time.Time `parquet:"cutoff_applied_at,timestamp" json:"cutoff_applied_at"`
	DroppedLateCount int64     `parquet:"dropped_late_count" json:"dropped_late_count"`
}

// DedupeFields marks near-duplicate membership. Novelty is nil for
// duplicates, which inherit relevance from their cluster leader.
type DedupeFields struct {
	IsDupe    bool     `parquet:"is_dupe" json:"is_dupe"`
	ClusterID string   `parquet:"cluster_id" json:"cluster_id"`
	Novelty   *float64 `parquet:"novelty,optional" json:"novelty,omitempty"`
}

// SentimentFields holds the batched LLM enrichment; nil until scored.
type SentimentFields struct {
	Sentiment *float64 `parquet:"sentiment,optional" json:"sentiment,omitempty"`
	Stance    *string  `parquet:"stance,optional" json:"stance,omitempty"`
	Sarcasm   *bool    `parquet:"sarcasm,optional" json:"sarcasm,omitempty"`
}

// CuratedNews is the analysis-ready news record emitted by the day pipeline.
type CuratedNews struct {
	NewsItem
	CutoffAudit
	DedupeFields
	SentimentFields
}

// CuratedSocial is the analysis-ready social record.
type CuratedSocial struct {
	SocialPost
	CutoffAudit
	DedupeFields
	SentimentFields
}

// Reject is a record diverted from ingestion with its validation errors.
type Reject struct {
	Source     string    `json:"source"`
	Raw        string    `json:"raw"`
	Reasons    []string  `json:"reasons"`
	RejectedAt time.Time `json:"rejected_at"`
	RunID      string    `json:"run_id"`
}
