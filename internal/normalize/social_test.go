package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocialNormalization(t *testing.T) {
	t.Parallel()

	receivedAt := time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)
	raw := map[string]any{
		"id":           "t3_abc",
		"created_utc":  float64(1730808000),
		"subreddit":    "investing",
		"author":       "someuser",
		"title":        "Thoughts on SPY this week?",
		"selftext":     "Considering adding to my VOO position.",
		"permalink":    "/r/investing/comments/abc",
		"upvote_ratio": 0.93,
		"num_comments": float64(17),
	}

	post := Social(raw, receivedAt, "run_1")

	assert.Equal(t, "t3_abc", post.ID)
	assert.Equal(t, time.Unix(1730808000, 0).UTC(), post.CreatedUTC)
	assert.Equal(t, "investing", post.Subreddit)
	assert.True(t, len(post.Author) > 5 && post.Author[:5] == "hash_")
	assert.NotContains(t, post.Author, "someuser")
	require.NotNil(t, post.Body)
	assert.Equal(t, []string{"SPY", "VOO"}, post.Symbols)
	require.NotNil(t, post.UpvoteRatio)
	assert.InDelta(t, 0.93, *post.UpvoteRatio, 1e-9)
	assert.Equal(t, int64(17), post.NumComments)
	assert.Len(t, post.ContentHash, 16)
}

func TestSocialRemovedBody(t *testing.T) {
	t.Parallel()

	post := Social(map[string]any{
		"id":       "t3_gone",
		"title":    "SPY down bad",
		"selftext": "[removed]",
	}, time.Now().UTC(), "run_1")

	assert.Nil(t, post.Body)
	// Hash still covers the title so the record stays dedupable.
	assert.Equal(t, ContentHash("SPY down bad", ""), post.ContentHash)
}

func TestSocialDeletedAuthor(t *testing.T) {
	t.Parallel()

	post := Social(map[string]any{"id": "t3_x", "title": "market talk"}, time.Now().UTC(), "run_1")

	assert.Equal(t, HashAuthor("[deleted]"), post.Author)
}

func TestHashAuthorIsStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HashAuthor("alice"), HashAuthor("alice"))
	assert.NotEqual(t, HashAuthor("alice"), HashAuthor("bob"))
}

func TestMatchedTerms(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		title string
		body  string
		want  []string
	}{
		{"spy ticker", "Bought more SPY today", "", []string{"SPY"}},
		{"spy camera filtered", "Best spy camera for home?", "", []string{"off-topic"}},
		{"sp500 variants", "sp500 keeps climbing", "", []string{"S&P 500"}},
		{"sp global filtered", "S&P Global downgraded them", "", []string{"off-topic"}},
		{"market", "is the market overvalued", "", []string{"market"}},
		{"supermarket filtered", "supermarket prices are wild", "", []string{"off-topic"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, MatchedTerms(tc.title, tc.body))
		})
	}
}
