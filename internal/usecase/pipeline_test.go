package usecase

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/domain"
	"orbit/internal/ports"
	"orbit/internal/preprocess"
)

type memNews struct {
	raw     map[string][]domain.NewsItem
	curated map[string][]domain.CuratedNews
}

func newMemNews() *memNews {
	return &memNews{raw: map[string][]domain.NewsItem{}, curated: map[string][]domain.CuratedNews{}}
}

func (m *memNews) AppendRawNews(_ context.Context, date, _ string, items []domain.NewsItem) error {
	m.raw[date] = append(m.raw[date], items...)
	return nil
}

func (m *memNews) ReadRawNews(_ context.Context, date string) ([]domain.NewsItem, error) {
	return m.raw[date], nil
}

func (m *memNews) WriteCuratedNews(_ context.Context, date string, items []domain.CuratedNews) error {
	m.curated[date] = items
	return nil
}

func (m *memNews) ReadCuratedNews(_ context.Context, date string) ([]domain.CuratedNews, error) {
	return m.curated[date], nil
}

func (m *memNews) RawNewsPartitions(context.Context) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for date := range m.raw {
		out[date] = struct{}{}
	}
	return out, nil
}

type memSocial struct {
	raw     map[string][]domain.SocialPost
	curated map[string][]domain.CuratedSocial
}

func newMemSocial() *memSocial {
	return &memSocial{raw: map[string][]domain.SocialPost{}, curated: map[string][]domain.CuratedSocial{}}
}

func (m *memSocial) AppendRawSocial(_ context.Context, date, _ string, posts []domain.SocialPost) error {
	m.raw[date] = append(m.raw[date], posts...)
	return nil
}

func (m *memSocial) ReadRawSocial(_ context.Context, date string) ([]domain.SocialPost, error) {
	return m.raw[date], nil
}

func (m *memSocial) WriteCuratedSocial(_ context.Context, date string, posts []domain.CuratedSocial) error {
	m.curated[date] = posts
	return nil
}

func (m *memSocial) ReadCuratedSocial(_ context.Context, date string) ([]domain.CuratedSocial, error) {
	return m.curated[date], nil
}

func (m *memSocial) RawSocialPartitions(context.Context) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	for date := range m.raw {
		out[date] = struct{}{}
	}
	return out, nil
}

type fakeSentiment struct {
	scored []string
}

func (f *fakeSentiment) ScoreBatch(_ context.Context, items []ports.SentimentInput) []ports.SentimentResult {
	out := make([]ports.SentimentResult, 0, len(items))
	for _, item := range items {
		f.scored = append(f.scored, item.ID)
		out = append(out, ports.SentimentResult{ID: item.ID, Sentiment: 0.5, Stance: "bull"})
	}
	return out
}

func testPipeline(t *testing.T, news *memNews, social *memSocial, sentiment ports.SentimentScorer) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineDeps{
		News:      news,
		Social:    social,
		Sentiment: sentiment,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, PipelineOptions{
		Cutoff: preprocess.CutoffOptions{Location: time.UTC, Hour: 15, Minute: 30},
	})
	require.NoError(t, err)
	return p
}

func newsItem(id, headline string, published time.Time) domain.NewsItem {
	return domain.NewsItem{
		MsgID:       id,
		PublishedAt: published,
		ReceivedAt:  published,
		Symbols:     []string{"SPY"},
		Headline:    headline,
		Source:      "wire",
	}
}

func TestProcessNewsDayCuratesPartition(t *testing.T) {
	news := newMemNews()
	inWindow := time.Date(2024, 11, 5, 10, 0, 0, 0, time.UTC)
	tooLate := time.Date(2024, 11, 5, 16, 0, 0, 0, time.UTC)
	news.raw["2024-11-05"] = []domain.NewsItem{
		newsItem("a", "Fed holds rates steady in November meeting", inWindow),
		newsItem("b", "Fed  holds rates steady in November meeting", inWindow.Add(time.Minute)),
		newsItem("c", "Completely different quarterly earnings surprise", inWindow.Add(2*time.Minute)),
		newsItem("d", "Published after the cutoff", tooLate),
	}

	sentiment := &fakeSentiment{}
	p := testPipeline(t, news, newMemSocial(), sentiment)

	stats, err := p.ProcessNewsDay(context.Background(), "2024-11-05")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ProcessedDays)
	assert.Equal(t, 3, stats.TotalItems)
	assert.Equal(t, 1, stats.Duplicates)

	curated := news.curated["2024-11-05"]
	require.Len(t, curated, 3)

	byID := map[string]domain.CuratedNews{}
	for _, c := range curated {
		byID[c.MsgID] = c
	}

	assert.False(t, byID["a"].IsDupe)
	assert.Equal(t, "a", byID["a"].ClusterID)
	assert.True(t, byID["b"].IsDupe)
	assert.Equal(t, "a", byID["b"].ClusterID)
	assert.Nil(t, byID["b"].Novelty)

	require.NotNil(t, byID["a"].Novelty)
	assert.Equal(t, 1.0, *byID["a"].Novelty)

	require.NotNil(t, byID["a"].Stance)
	assert.Equal(t, "bull", *byID["a"].Stance)
	assert.Nil(t, byID["b"].Stance)
	assert.ElementsMatch(t, []string{"a", "c"}, sentiment.scored)

	audit := byID["a"].CutoffAudit
	assert.Equal(t, time.Date(2024, 11, 4, 15, 30, 0, 0, time.UTC), audit.WindowStart)
	assert.Equal(t, time.Date(2024, 11, 5, 15, 30, 0, 0, time.UTC), audit.WindowEnd)
}

func TestProcessNewsDayEmptyPartitionIsNoop(t *testing.T) {
	news := newMemNews()
	p := testPipeline(t, news, newMemSocial(), nil)

	stats, err := p.ProcessNewsDay(context.Background(), "2024-11-05")
	require.NoError(t, err)

	assert.Equal(t, 0, stats.ProcessedDays)
	assert.Empty(t, news.curated)
}

func TestNoveltyAgainstTrailingCuratedWindow(t *testing.T) {
	news := newMemNews()
	headline := "Fed holds rates steady in November meeting"
	news.curated["2024-11-04"] = []domain.CuratedNews{
		{NewsItem: newsItem("prior", headline, time.Date(2024, 11, 4, 10, 0, 0, 0, time.UTC))},
	}
	news.raw["2024-11-05"] = []domain.NewsItem{
		newsItem("repeat", headline, time.Date(2024, 11, 5, 10, 0, 0, 0, time.UTC)),
	}

	p := testPipeline(t, news, newMemSocial(), nil)

	_, err := p.ProcessNewsDay(context.Background(), "2024-11-05")
	require.NoError(t, err)

	curated := news.curated["2024-11-05"]
	require.Len(t, curated, 1)
	require.NotNil(t, curated[0].Novelty)
	assert.Equal(t, 0.0, *curated[0].Novelty)
}

func TestProcessSocialDayCuratesPartition(t *testing.T) {
	social := newMemSocial()
	body := "Thoughts on the rate decision?"
	social.raw["2024-11-05"] = []domain.SocialPost{
		{
			ID:         "p1",
			CreatedUTC: time.Date(2024, 11, 5, 9, 0, 0, 0, time.UTC),
			Subreddit:  "stocks",
			Title:      "Fed day discussion",
			Body:       &body,
		},
	}

	p := testPipeline(t, newMemNews(), social, nil)

	stats, err := p.ProcessSocialDay(context.Background(), "2024-11-05")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TotalItems)
	require.Len(t, social.curated["2024-11-05"], 1)
	assert.False(t, social.curated["2024-11-05"][0].IsDupe)
	assert.Nil(t, social.curated["2024-11-05"][0].Sentiment)
}

func TestProcessRangeCoversHalfOpenInterval(t *testing.T) {
	news := newMemNews()
	news.raw["2024-11-04"] = []domain.NewsItem{
		newsItem("a", "Monday headline", time.Date(2024, 11, 4, 10, 0, 0, 0, time.UTC)),
	}
	news.raw["2024-11-05"] = []domain.NewsItem{
		newsItem("b", "Tuesday headline", time.Date(2024, 11, 5, 10, 0, 0, 0, time.UTC)),
	}
	news.raw["2024-11-06"] = []domain.NewsItem{
		newsItem("c", "Wednesday headline", time.Date(2024, 11, 6, 10, 0, 0, 0, time.UTC)),
	}

	p := testPipeline(t, news, newMemSocial(), nil)

	stats, err := p.ProcessRange(context.Background(), "2024-11-04", "2024-11-06")
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalDays)
	assert.Equal(t, 2, stats.ProcessedDays)
	assert.Contains(t, news.curated, "2024-11-04")
	assert.Contains(t, news.curated, "2024-11-05")
	assert.NotContains(t, news.curated, "2024-11-06")
}

func TestProcessRangeBadDates(t *testing.T) {
	p := testPipeline(t, newMemNews(), newMemSocial(), nil)

	_, err := p.ProcessRange(context.Background(), "05-11-2024", "2024-11-06")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse start date")
}
