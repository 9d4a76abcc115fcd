package normalize

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orbit/internal/domain"
)

// PriceBarsFromCSV parses a provider CSV export (Date,Open,High,Low,Close,
// Volume header) into canonical daily bars. Values are parsed as decimals
// first so malformed numbers are rejected instead of silently truncated.
func PriceBarsFromCSV(raw []byte, symbol, runID string, ingestedAt time.Time) ([]domain.PriceBar, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"date", "open", "high", "low", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv missing %q column for %s", required, symbol)
		}
	}

	var bars []domain.PriceBar
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		date, err := time.Parse("2006-01-02", row[cols["date"]])
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", row[cols["date"]], err)
		}

		bar := domain.PriceBar{
			Symbol:     NormalizeSymbol(symbol),
			Date:       date.Format("2006-01-02"),
			IngestedAt: ingestedAt.UTC(),
			RunID:      runID,
		}
		if bar.Open, err = parsePrice(row[cols["open"]]); err != nil {
			return nil, fmt.Errorf("%s %s open: %w", symbol, bar.Date, err)
		}
		if bar.High, err = parsePrice(row[cols["high"]]); err != nil {
			return nil, fmt.Errorf("%s %s high: %w", symbol, bar.Date, err)
		}
		if bar.Low, err = parsePrice(row[cols["low"]]); err != nil {
			return nil, fmt.Errorf("%s %s low: %w", symbol, bar.Date, err)
		}
		if bar.Close, err = parsePrice(row[cols["close"]]); err != nil {
			return nil, fmt.Errorf("%s %s close: %w", symbol, bar.Date, err)
		}
		if idx, ok := cols["volume"]; ok && idx < len(row) && row[idx] != "" {
			if bar.Volume, err = parsePrice(row[idx]); err != nil {
				return nil, fmt.Errorf("%s %s volume: %w", symbol, bar.Date, err)
			}
		}

		bars = append(bars, bar)
	}

	return bars, nil
}

// NormalizeSymbol maps provider symbols to partition-safe identifiers,
// e.g. "SPY.US" -> "SPY_US" and "^SPX" -> "SPX".
func NormalizeSymbol(symbol string) string {
	symbol = strings.ReplaceAll(symbol, ".", "_")
	return strings.TrimPrefix(symbol, "^")
}

func parsePrice(field string) (float64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(field))
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", field, err)
	}
	return value.InexactFloat64(), nil
}
