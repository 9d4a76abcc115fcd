// Package backfill fetches historical ranges from paginated REST sources
// under a strict pacing budget, with checkpointed resume and per-day
// abandonment on persistent rate limiting.
package backfill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Checkpoint is the persisted progress of one backfill run. It is saved
// every few requests, left in place on interruption, and deleted only when
// the whole range completed.
type Checkpoint struct {
	RunID         string   `json:"run_id"`
	Cursor        string   `json:"cursor"`
	Fetched       int      `json:"fetched"`
	Requests      int      `json:"requests"`
	CompletedDays []string `json:"completed_days"`

	completed map[string]struct{}
}

// NewCheckpoint starts empty progress for a run.
func NewCheckpoint(runID string) *Checkpoint {
	return &Checkpoint{RunID: runID, completed: make(map[string]struct{})}
}

// MarkComplete records a finished day.
func (c *Checkpoint) MarkComplete(day string) {
	if _, ok := c.completed[day]; ok {
		return
	}
	c.completed[day] = struct{}{}
	c.CompletedDays = append(c.CompletedDays, day)
	sort.Strings(c.CompletedDays)
}

// IsComplete reports whether a day was already finished by a prior run.
func (c *Checkpoint) IsComplete(day string) bool {
	_, ok := c.completed[day]
	return ok
}

// CheckpointPath names the file for one run; each worker owns its file
// exclusively through the unique run id.
func CheckpointPath(dir, source, runID string) string {
	return filepath.Join(dir, fmt.Sprintf(".backfill_checkpoint_%s_%s.json", source, runID))
}

// SaveCheckpoint writes the checkpoint atomically.
func SaveCheckpoint(path string, c *Checkpoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a prior run's checkpoint. A missing or corrupt file
// returns nil; the engine then falls back to the partition pre-scan.
func LoadCheckpoint(path string) *Checkpoint {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	c.completed = make(map[string]struct{}, len(c.CompletedDays))
	for _, day := range c.CompletedDays {
		c.completed[day] = struct{}{}
	}
	return &c
}

// DeleteCheckpoint removes the file after a clean completion.
func DeleteCheckpoint(path string) {
	_ = os.Remove(path)
}
