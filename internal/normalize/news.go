// Package normalize maps provider-native messages into the canonical record
// schemas. Every function here is pure: same input, same output, no I/O.
package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"orbit/internal/domain"
)

// clockSkewTolerance absorbs small provider/ingestor clock differences when
// validating timestamp ordering.
const clockSkewTolerance = 30 * time.Second

// MessageID derives the stable news identifier: the provider id verbatim
// when present, else a SHA-1 over headline+source+created so re-normalizing
// identical input always yields the same id.
func MessageID(raw map[string]any) string {
	if id, ok := raw["id"]; ok {
		if s := stringifyID(id); s != "" {
			return s
		}
	}
	content := asString(raw["headline"]) + asString(raw["source"]) + asString(raw["created_at"])
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// News normalizes a provider news message (WebSocket frame or REST article;
// both carry the same shape) into a canonical NewsItem. Missing optional
// fields become nil; timestamps are converted to UTC.
func News(raw map[string]any, receivedAt time.Time, runID string) domain.NewsItem {
	item := domain.NewsItem{
		MsgID:       MessageID(raw),
		ReceivedAt:  receivedAt.UTC(),
		Symbols:     asStringSlice(raw["symbols"]),
		Headline:    asString(raw["headline"]),
		Summary:     optString(raw["summary"]),
		Source:      asString(raw["source"]),
		URL:         optString(raw["url"]),
		RunID:       runID,
		PublishedAt: parseTimestamp(firstNonEmpty(raw["created_at"], raw["updated_at"])),
	}
	if encoded, err := json.Marshal(raw); err == nil {
		item.Raw = string(encoded)
	}
	return item
}

// ValidateNews returns the list of validation errors for a normalized item;
// an empty list means the record may enter the buffer.
func ValidateNews(item domain.NewsItem, now time.Time) []string {
	var errs []string

	if item.Headline == "" {
		errs = append(errs, "missing headline")
	}
	if item.PublishedAt.IsZero() {
		errs = append(errs, "missing published_at")
	}

	if !item.PublishedAt.IsZero() && !item.ReceivedAt.IsZero() {
		if item.PublishedAt.After(item.ReceivedAt.Add(clockSkewTolerance)) {
			errs = append(errs, fmt.Sprintf(
				"published_at (%s) > received_at (%s)",
				item.PublishedAt.Format(time.RFC3339), item.ReceivedAt.Format(time.RFC3339),
			))
		}
	}
	if !item.PublishedAt.IsZero() && item.PublishedAt.After(now.Add(clockSkewTolerance)) {
		errs = append(errs, fmt.Sprintf(
			"published_at (%s) is in the future", item.PublishedAt.Format(time.RFC3339),
		))
	}

	return errs
}

func stringifyID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case json.Number:
		return id.String()
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return ""
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func optString(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func asStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func firstNonEmpty(values ...any) any {
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			return v
		}
		if v != nil {
			if _, ok := v.(string); !ok {
				return v
			}
		}
	}
	return nil
}

// parseTimestamp accepts RFC3339 strings and unix-second numbers; anything
// else yields the zero time, which validation then rejects.
func parseTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, ts); err == nil {
				return parsed.UTC()
			}
		}
	case float64:
		return time.Unix(int64(ts), 0).UTC()
	case int64:
		return time.Unix(ts, 0).UTC()
	}
	return time.Time{}
}
