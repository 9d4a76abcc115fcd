// Package stream implements the long-lived push-feed ingestion client:
// connection lifecycle with backoff, in-memory buffering with size/time
// flush triggers, and validation with a rejects sink.
package stream

import (
	"time"

	"orbit/internal/domain"
)

// Buffer accumulates normalized records between flushes. It remembers every
// id seen during the run so replayed messages never enter twice, even
// across flushes. Not safe for concurrent use; the client owns it from a
// single loop.
type Buffer struct {
	items         []domain.NewsItem
	seen          map[string]struct{}
	flushSize     int
	flushInterval time.Duration
	lastFlush     time.Time
}

// NewBuffer sizes a buffer with its flush policy.
func NewBuffer(flushSize int, flushInterval time.Duration, now time.Time) *Buffer {
	return &Buffer{
		seen:          make(map[string]struct{}),
		flushSize:     flushSize,
		flushInterval: flushInterval,
		lastFlush:     now,
	}
}

// Add appends the item unless its id was already seen this run.
func (b *Buffer) Add(item domain.NewsItem) bool {
	if _, dup := b.seen[item.MsgID]; dup {
		return false
	}
	b.seen[item.MsgID] = struct{}{}
	b.items = append(b.items, item)
	return true
}

// ShouldFlush reports whether either flush trigger has fired.
func (b *Buffer) ShouldFlush(now time.Time) bool {
	if len(b.items) >= b.flushSize {
		return true
	}
	return len(b.items) > 0 && now.Sub(b.lastFlush) >= b.flushInterval
}

// Items returns the buffered records without clearing them; the caller
// clears only after the flush has been persisted.
func (b *Buffer) Items() []domain.NewsItem {
	return b.items
}

// Len reports the number of buffered records.
func (b *Buffer) Len() int {
	return len(b.items)
}

// Clear drops the buffered records and restarts the flush timer. Seen ids
// are kept for the rest of the run.
func (b *Buffer) Clear(now time.Time) {
	b.items = nil
	b.lastFlush = now
}
