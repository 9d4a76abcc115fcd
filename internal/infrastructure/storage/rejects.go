package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"orbit/internal/domain"
	"orbit/internal/ports"
)

// JSONLRejects appends rejected records as JSON lines under
// <dataDir>/rejects/<source>/date=YYYY-MM-DD/rejects.jsonl. Rejects are
// audit data, so the file is append-only across runs.
type JSONLRejects struct {
	dataDir string
}

var _ ports.RejectsSink = (*JSONLRejects)(nil)

// NewJSONLRejects roots a rejects sink at dataDir.
func NewJSONLRejects(dataDir string) *JSONLRejects {
	return &JSONLRejects{dataDir: dataDir}
}

// WriteRejects appends the batch to the source's reject file for date.
func (s *JSONLRejects) WriteRejects(ctx context.Context, source, date string, rejects []domain.Reject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rejects) == 0 {
		return nil
	}

	dir := filepath.Join(s.dataDir, rejectsDir, source, partitionPrefix+date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create rejects dir: %w", err)
	}

	path := filepath.Join(dir, "rejects.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	encoder := json.NewEncoder(file)
	for _, reject := range rejects {
		if err := encoder.Encode(reject); err != nil {
			_ = file.Close()
			return fmt.Errorf("encode reject: %w", err)
		}
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
