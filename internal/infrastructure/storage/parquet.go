// Package storage implements the partitioned record store on local parquet
// files. Layout: <dataDir>/<stage>/<source>/date=YYYY-MM-DD/<file>.parquet,
// with rejects kept alongside as JSON lines.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"orbit/internal/domain"
	"orbit/internal/ports"
)

const (
	rawNewsDir      = "raw/news"
	curatedNewsDir  = "curated/news"
	rawSocialDir    = "raw/social"
	curatedSocDir   = "curated/social"
	rawPricesDir    = "raw/prices"
	rejectsDir      = "rejects"
	partitionPrefix = "date="
)

// ParquetStore reads and writes date-partitioned parquet files under a
// single data directory. Appends merge records by id so overlapping
// streaming and backfill runs never duplicate a record in a partition.
type ParquetStore struct {
	dataDir string
}

var (
	_ ports.NewsStore   = (*ParquetStore)(nil)
	_ ports.SocialStore = (*ParquetStore)(nil)
	_ ports.PriceStore  = (*ParquetStore)(nil)
)

// NewParquetStore roots a store at dataDir, creating it if needed.
func NewParquetStore(dataDir string) (*ParquetStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &ParquetStore{dataDir: dataDir}, nil
}

// AppendRawNews merges items into raw/news/date=<date>/<file>, existing
// records winning on msg_id collisions.
func (s *ParquetStore) AppendRawNews(ctx context.Context, date, file string, items []domain.NewsItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.partitionFile(rawNewsDir, date, file)
	return appendMerge(path, items, func(item domain.NewsItem) string { return item.MsgID })
}

// ReadRawNews returns every record in the raw news partition for date,
// deduplicated by msg_id across partition files. A missing partition reads
// as empty.
func (s *ParquetStore) ReadRawNews(ctx context.Context, date string) ([]domain.NewsItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readPartition(s.partitionDir(rawNewsDir, date), func(item domain.NewsItem) string { return item.MsgID })
}

// WriteCuratedNews replaces the curated news partition for date.
func (s *ParquetStore) WriteCuratedNews(ctx context.Context, date string, items []domain.CuratedNews) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(s.partitionFile(curatedNewsDir, date, "news.parquet"), items)
}

// ReadCuratedNews loads the curated news partition for date.
func (s *ParquetStore) ReadCuratedNews(ctx context.Context, date string) ([]domain.CuratedNews, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readPartition(s.partitionDir(curatedNewsDir, date), func(item domain.CuratedNews) string { return item.MsgID })
}

// RawNewsPartitions lists the dates with existing raw news output.
func (s *ParquetStore) RawNewsPartitions(ctx context.Context) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.listPartitions(rawNewsDir)
}

// AppendRawSocial merges posts into raw/social/date=<date>/<file>.
func (s *ParquetStore) AppendRawSocial(ctx context.Context, date, file string, items []domain.SocialPost) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.partitionFile(rawSocialDir, date, file)
	return appendMerge(path, items, func(post domain.SocialPost) string { return post.ID })
}

// ReadRawSocial returns the raw social partition for date.
func (s *ParquetStore) ReadRawSocial(ctx context.Context, date string) ([]domain.SocialPost, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readPartition(s.partitionDir(rawSocialDir, date), func(post domain.SocialPost) string { return post.ID })
}

// WriteCuratedSocial replaces the curated social partition for date.
func (s *ParquetStore) WriteCuratedSocial(ctx context.Context, date string, items []domain.CuratedSocial) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(s.partitionFile(curatedSocDir, date, "social.parquet"), items)
}

// ReadCuratedSocial loads the curated social partition for date.
func (s *ParquetStore) ReadCuratedSocial(ctx context.Context, date string) ([]domain.CuratedSocial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readPartition(s.partitionDir(curatedSocDir, date), func(post domain.CuratedSocial) string { return post.ID })
}

// RawSocialPartitions lists the dates with existing raw social output.
func (s *ParquetStore) RawSocialPartitions(ctx context.Context) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.listPartitions(rawSocialDir)
}

// WritePrices replaces one symbol's bars in the price partition for date.
func (s *ParquetStore) WritePrices(ctx context.Context, date, symbol string, bars []domain.PriceBar) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(s.partitionFile(rawPricesDir, date, symbol+".parquet"), bars)
}

// PricePartitions lists the symbols with an existing file per price date.
func (s *ParquetStore) PricePartitions(ctx context.Context) (map[string]map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dates, err := s.listPartitions(rawPricesDir)
	if err != nil {
		return nil, err
	}

	partitions := make(map[string]map[string]struct{}, len(dates))
	for date := range dates {
		entries, err := os.ReadDir(s.partitionDir(rawPricesDir, date))
		if err != nil {
			return nil, fmt.Errorf("list price partition %s: %w", date, err)
		}
		symbols := make(map[string]struct{})
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
				continue
			}
			symbols[strings.TrimSuffix(entry.Name(), ".parquet")] = struct{}{}
		}
		partitions[date] = symbols
	}
	return partitions, nil
}

func (s *ParquetStore) partitionDir(base, date string) string {
	return filepath.Join(s.dataDir, filepath.FromSlash(base), partitionPrefix+date)
}

func (s *ParquetStore) partitionFile(base, date, file string) string {
	return filepath.Join(s.partitionDir(base, date), file)
}

func (s *ParquetStore) listPartitions(base string) (map[string]struct{}, error) {
	dates := make(map[string]struct{})

	entries, err := os.ReadDir(filepath.Join(s.dataDir, filepath.FromSlash(base)))
	if os.IsNotExist(err) {
		return dates, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list partitions under %s: %w", base, err)
	}

	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), partitionPrefix) {
			dates[strings.TrimPrefix(entry.Name(), partitionPrefix)] = struct{}{}
		}
	}
	return dates, nil
}

// readPartition merges every parquet file in dir, keeping the first record
// seen per key.
func readPartition[T any](dir string, key func(T) string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", dir, err)
	}

	var out []T
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		records, err := parquet.ReadFile[T](filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Join(dir, entry.Name()), err)
		}
		for _, record := range records {
			if _, dup := seen[key(record)]; dup {
				continue
			}
			seen[key(record)] = struct{}{}
			out = append(out, record)
		}
	}
	return out, nil
}

// appendMerge combines new records into an existing file, existing records
// winning on key collisions, then rewrites the file atomically.
func appendMerge[T any](path string, items []T, key func(T) string) error {
	if len(items) == 0 {
		return nil
	}

	var merged []T
	seen := make(map[string]struct{})

	if _, err := os.Stat(path); err == nil {
		existing, err := parquet.ReadFile[T](path)
		if err != nil {
			return fmt.Errorf("read existing %s: %w", path, err)
		}
		for _, record := range existing {
			seen[key(record)] = struct{}{}
			merged = append(merged, record)
		}
	}
	for _, record := range items {
		if _, dup := seen[key(record)]; dup {
			continue
		}
		seen[key(record)] = struct{}{}
		merged = append(merged, record)
	}

	return writeAtomic(path, merged)
}

// writeAtomic writes records to a temp file and renames it into place so a
// crashed write never leaves a torn partition file.
func writeAtomic[T any](path string, items []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, items); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
