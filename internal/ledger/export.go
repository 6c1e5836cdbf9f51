package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/job-scorer/internal/model"
)

// ExportFormat selects the artifact encoding.
type ExportFormat string

const (
	FormatJSON  ExportFormat = "json"
	FormatJSONL ExportFormat = "jsonl"
	FormatCSV   ExportFormat = "csv"
	FormatXLSX  ExportFormat = "xlsx"
)

// ExportRecord is one row of a failure export artifact.
type ExportRecord struct {
	ItemSnapshot json.RawMessage `json:"item_snapshot"`
	ItemID       string          `json:"item_id"`
	Stage        model.Stage     `json:"stage"`
	ErrorKind    model.ErrorKind `json:"error_kind"`
	ErrorMessage string          `json:"error_message"`
	FailureCount int             `json:"failure_count"`
	FirstFailed  time.Time       `json:"first_failed"`
	LastFailed   time.Time       `json:"last_failed"`
}

var exportColumns = []string{
	"item_id", "stage", "error_kind", "error_message",
	"failure_count", "first_failed", "last_failed", "item_snapshot",
}

// ExportResult describes a written artifact.
type ExportResult struct {
	Path    string
	Format  ExportFormat
	Records int
}

// Lister is the read side of a Ledger.
type Lister interface {
	List(ctx context.Context, filter model.FailureFilter) ([]model.FailureRecord, error)
}

// ExportFileName returns failures_<stage>_<timestamp>.<ext>. An empty stage is
// written as "all".
func ExportFileName(stage model.Stage, format ExportFormat, at time.Time) string {
	name := string(stage)
	if name == "" {
		name = "all"
	}
	return "failures_" + name + "_" + at.UTC().Format("20060102T150405Z") + "." + string(format)
}

// Export writes the records matching filter to destination. If destination is
// an existing directory, a file named by ExportFileName is created inside it
// with format (default json); otherwise the file extension picks the format.
func Export(ctx context.Context, l Lister, filter model.FailureFilter, destination string, format ExportFormat) (*ExportResult, error) {
	path, format, err := resolveDestination(filter.Stage, destination, format, time.Now())
	if err != nil {
		return nil, err
	}

	recs, err := l.List(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: export list")
	}
	rows := make([]ExportRecord, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, toExportRecord(r))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "ledger: export mkdir")
	}

	switch format {
	case FormatJSON:
		err = writeJSON(path, rows)
	case FormatJSONL:
		err = writeJSONL(path, rows)
	case FormatCSV:
		err = writeCSV(path, rows)
	case FormatXLSX:
		err = writeXLSX(path, rows)
	}
	if err != nil {
		return nil, err
	}
	return &ExportResult{Path: path, Format: format, Records: len(rows)}, nil
}

// ParseFormat converts a user-supplied format name.
func ParseFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))); f {
	case FormatJSON, FormatJSONL, FormatCSV, FormatXLSX:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", eris.Errorf("ledger: unknown export format %q", s)
	}
}

func resolveDestination(stage model.Stage, destination string, format ExportFormat, now time.Time) (string, ExportFormat, error) {
	if format == "" {
		format = FormatJSON
	}
	if info, err := os.Stat(destination); err == nil && info.IsDir() {
		return filepath.Join(destination, ExportFileName(stage, format, now)), format, nil
	}
	if strings.HasSuffix(destination, string(os.PathSeparator)) {
		return filepath.Join(destination, ExportFileName(stage, format, now)), format, nil
	}
	f, err := ParseFormat(filepath.Ext(destination))
	if err != nil {
		return "", "", err
	}
	return destination, f, nil
}

func toExportRecord(r model.FailureRecord) ExportRecord {
	snap := json.RawMessage(r.RawItemSnapshot)
	if !json.Valid(snap) {
		quoted, _ := json.Marshal(r.RawItemSnapshot)
		snap = quoted
	}
	return ExportRecord{
		ItemSnapshot: snap,
		ItemID:       r.ItemID,
		Stage:        r.Stage,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
		FailureCount: r.FailureCount,
		FirstFailed:  r.FirstFailed.UTC(),
		LastFailed:   r.LastFailed.UTC(),
	}
}

func (r ExportRecord) row() []string {
	return []string{
		r.ItemID,
		string(r.Stage),
		string(r.ErrorKind),
		r.ErrorMessage,
		strconv.Itoa(r.FailureCount),
		r.FirstFailed.Format(time.RFC3339),
		r.LastFailed.Format(time.RFC3339),
		string(r.ItemSnapshot),
	}
}

func writeJSON(path string, rows []ExportRecord) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return eris.Wrap(err, "ledger: marshal export")
	}
	return eris.Wrap(os.WriteFile(path, data, 0o644), "ledger: write json export")
}

func writeJSONL(path string, rows []ExportRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "ledger: create jsonl export")
	}
	enc := json.NewEncoder(f)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return eris.Wrap(err, "ledger: encode jsonl export")
		}
	}
	return eris.Wrap(f.Close(), "ledger: close jsonl export")
}

func writeCSV(path string, rows []ExportRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "ledger: create csv export")
	}
	w := csv.NewWriter(f)
	if err := w.Write(exportColumns); err != nil {
		f.Close()
		return eris.Wrap(err, "ledger: write csv header")
	}
	for _, r := range rows {
		if err := w.Write(r.row()); err != nil {
			f.Close()
			return eris.Wrap(err, "ledger: write csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return eris.Wrap(err, "ledger: flush csv export")
	}
	return eris.Wrap(f.Close(), "ledger: close csv export")
}

func writeXLSX(path string, rows []ExportRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("failures")
	if err != nil {
		return eris.Wrap(err, "ledger: add xlsx sheet")
	}
	header := sheet.AddRow()
	for _, col := range exportColumns {
		header.AddCell().SetString(col)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		for i, v := range r.row() {
			cell := row.AddCell()
			if exportColumns[i] == "failure_count" {
				cell.SetInt(r.FailureCount)
				continue
			}
			cell.SetString(v)
		}
	}
	return eris.Wrap(f.Save(path), "ledger: save xlsx export")
}
