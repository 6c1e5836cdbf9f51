package source

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// readCSV reads a CSV file whose first row names the columns. Empty cells are
// omitted from the record.
func readCSV(ctx context.Context, path string, opts Options) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "source: open csv")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var (
		header []string
		out    []map[string]any
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "source: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "source: read csv row")
		}
		if header == nil {
			header = normalizeHeader(record)
			continue
		}
		if rec := rowRecord(header, record); len(rec) > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

// normalizeHeader lowercases column names and replaces spaces so "Item ID"
// matches item_id.
func normalizeHeader(row []string) []string {
	out := make([]string, len(row))
	for i, h := range row {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		out[i] = strings.ReplaceAll(strings.ToLower(h), " ", "_")
	}
	return out
}

func rowRecord(header, row []string) map[string]any {
	rec := make(map[string]any, len(header))
	for i, v := range row {
		if i >= len(header) || header[i] == "" {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			rec[header[i]] = v
		}
	}
	return rec
}
