package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"orbit/internal/domain"
)

// Social normalizes an archive-API post into a canonical SocialPost.
// Removed/deleted bodies become nil, authors are stored hashed, and
// market-term matching tags the post's symbols.
func Social(raw map[string]any, receivedAt time.Time, runID string) domain.SocialPost {
	title := asString(raw["title"])
	body := asString(raw["selftext"])
	if body == "[removed]" || body == "[deleted]" {
		body = ""
	}

	author := asString(raw["author"])
	if author == "" {
		author = "[deleted]"
	}

	post := domain.SocialPost{
		ID:          stringifyID(raw["id"]),
		CreatedUTC:  parseTimestamp(raw["created_utc"]),
		Subreddit:   asString(raw["subreddit"]),
		Author:      HashAuthor(author),
		Title:       title,
		Permalink:   asString(raw["permalink"]),
		NumComments: asInt64(raw["num_comments"]),
		Symbols:     MatchedTerms(title, body),
		ContentHash: ContentHash(title, body),
		IngestedAt:  receivedAt.UTC(),
		RunID:       runID,
	}
	if body != "" {
		post.Body = &body
	}
	if ratio, ok := raw["upvote_ratio"].(float64); ok {
		post.UpvoteRatio = &ratio
	}
	if encoded, err := json.Marshal(raw); err == nil {
		post.Raw = string(encoded)
	}
	return post
}

// ContentHash fingerprints a post's text for cross-run deduplication.
func ContentHash(title, body string) string {
	sum := sha256.Sum256([]byte(title + "||" + body))
	return hex.EncodeToString(sum[:])[:16]
}

// HashAuthor hashes a username for privacy; the stored form never reveals
// the account.
func HashAuthor(author string) string {
	sum := sha256.Sum256([]byte(author))
	return fmt.Sprintf("hash_%s", hex.EncodeToString(sum[:])[:8])
}

// MatchedTerms extracts market-related terms from post text while filtering
// common false positives. Off-topic posts get a single "off-topic" tag so
// downstream filters can drop them cheaply.
func MatchedTerms(title, body string) []string {
	text := strings.ToLower(title + " " + body)
	var terms []string

	if strings.Contains(text, "spy") && !containsAny(text, "spy camera", "spying", "i spy", "spy on") {
		terms = append(terms, "SPY")
	}
	if strings.Contains(text, "voo") {
		terms = append(terms, "VOO")
	}
	if containsAny(text, "s&p 500", "s&p500", "sp500", "s & p 500") {
		terms = append(terms, "S&P 500")
	}
	if strings.Contains(text, "s&p") && !containsAny(text, "s&p global", "s&p rating") {
		terms = append(terms, "S&P")
	}
	if strings.Contains(text, "market") && !containsAny(text, "supermarket", "marketplace", "market share", "marketing") {
		terms = append(terms, "market")
	}

	if len(terms) == 0 {
		return []string{"off-topic"}
	}
	return terms
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
