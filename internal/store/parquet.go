package store

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"wdotrader/internal/domain"
)

// ClosedBracketRecord is the Parquet schema for closed-bracket exports.
type ClosedBracketRecord struct {
	ID           string  `parquet:"id"`
	Symbol       string  `parquet:"symbol"`
	Side         string  `parquet:"side"`
	Qty          int64   `parquet:"qty"`
	EntryPrice   float64 `parquet:"entry_price"`
	StopPrice    float64 `parquet:"stop_price"`
	TakePrice    float64 `parquet:"take_price"`
	ClosedReason string  `parquet:"closed_reason"`
	OpenedAt     int64   `parquet:"opened_at,timestamp(millisecond)"`
	ClosedAt     int64   `parquet:"closed_at,timestamp(millisecond)"`
}

// ExportClosedBrackets writes closed brackets to a Parquet file at path,
// merging with any records already present and deduplicating by bracket ID.
func ExportClosedBrackets(path string, brackets []domain.Bracket) error {
	incoming := make([]ClosedBracketRecord, 0, len(brackets))
	for _, b := range brackets {
		incoming = append(incoming, ClosedBracketRecord{
			ID:           b.ID,
			Symbol:       b.Symbol,
			Side:         string(b.Side),
			Qty:          int64(b.Qty),
			EntryPrice:   b.EntryPrice,
			StopPrice:    b.StopPrice,
			TakePrice:    b.TakePrice,
			ClosedReason: string(b.ClosedReason),
			OpenedAt:     b.OpenedAt.UnixMilli(),
			ClosedAt:     b.ClosedAt.UnixMilli(),
		})
	}

	existing, _ := readParquetFile[ClosedBracketRecord](path)
	merged := mergeBracketRecords(existing, incoming)

	return writeParquetFile(path, merged)
}

// ReadClosedBrackets reads a closed-bracket Parquet export.
func ReadClosedBrackets(path string) ([]ClosedBracketRecord, error) {
	return readParquetFile[ClosedBracketRecord](path)
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBracketRecords deduplicates records by bracket ID, preferring new
// records over existing ones, ordered by close time.
func mergeBracketRecords(existing, incoming []ClosedBracketRecord) []ClosedBracketRecord {
	seen := make(map[string]ClosedBracketRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]ClosedBracketRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ClosedAt < merged[j].ClosedAt
	})
	return merged
}
