// Package source loads work items from local files. The format is chosen by
// file extension: .json, .jsonl, .yaml/.yml, .csv and .xlsx.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/job-scorer/internal/model"
)

// DefaultIDFields are tried in order when Options.IDField is empty.
var DefaultIDFields = []string{"item_id", "id", "url", "link"}

// Options configures Load.
type Options struct {
	// IDField names the column or key holding the item ID.
	IDField string
	// SheetName selects the XLSX sheet; the first sheet is used when empty.
	SheetName string
	// Delimiter overrides the CSV field separator.
	Delimiter rune
}

// Load reads every item in path. Records without an ID are skipped with a
// warning; the pipeline rejects items that reach it without one.
func Load(ctx context.Context, path string, opts Options) ([]model.WorkItem, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var (
		records []map[string]any
		err     error
	)
	switch ext {
	case ".json":
		records, err = readJSON(ctx, path)
	case ".jsonl", ".ndjson":
		records, err = readJSONL(ctx, path)
	case ".yaml", ".yml":
		records, err = readYAML(path)
	case ".csv", ".tsv":
		if ext == ".tsv" && opts.Delimiter == 0 {
			opts.Delimiter = '\t'
		}
		records, err = readCSV(ctx, path, opts)
	case ".xlsx":
		records, err = readXLSX(path, opts)
	default:
		return nil, eris.Errorf("source: unsupported file type %q", ext)
	}
	if err != nil {
		return nil, err
	}

	items := make([]model.WorkItem, 0, len(records))
	for i, rec := range records {
		item, ok := toItem(rec, opts.IDField)
		if !ok {
			zap.L().Warn("source: skipping record without id",
				zap.String("path", path),
				zap.Int("index", i),
			)
			continue
		}
		items = append(items, item)
	}
	zap.L().Info("source: loaded items",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int("items", len(items)),
	)
	return items, nil
}

// toItem converts a decoded record into a WorkItem. Records already shaped as
// {"item_id", "fields", "stages"} keep their stage results; any other record
// becomes the item's fields.
func toItem(rec map[string]any, idField string) (model.WorkItem, bool) {
	if fields, ok := rec["fields"].(map[string]any); ok {
		id := stringValue(rec["item_id"])
		if id == "" {
			id = lookupID(fields, idField)
		}
		if id == "" {
			return model.WorkItem{}, false
		}
		item := model.WorkItem{ID: id, Fields: fields}
		if _, hasStages := rec["stages"]; hasStages {
			if full, err := model.ItemFromSnapshot(mustJSON(rec)); err == nil {
				item.Stages = full.Stages
			}
		}
		return item, true
	}

	id := lookupID(rec, idField)
	if id == "" {
		return model.WorkItem{}, false
	}
	return model.WorkItem{ID: id, Fields: rec}, true
}

func lookupID(rec map[string]any, idField string) string {
	if idField != "" {
		return stringValue(rec[idField])
	}
	for _, key := range DefaultIDFields {
		if id := stringValue(rec[key]); id != "" {
			return id
		}
	}
	return ""
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

func readYAML(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "source: read yaml")
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "source: parse yaml")
	}
	return recordsFrom(doc)
}

// recordsFrom accepts either a list of objects or an object with an "items"
// list.
func recordsFrom(doc any) ([]map[string]any, error) {
	if m, ok := doc.(map[string]any); ok {
		doc = m["items"]
	}
	list, ok := doc.([]any)
	if !ok {
		if doc == nil {
			return nil, nil
		}
		return nil, eris.Errorf("source: expected a list of items, got %T", doc)
	}
	out := make([]map[string]any, 0, len(list))
	for i, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, eris.Errorf("source: item %d is %T, not an object", i, e)
		}
		out = append(out, m)
	}
	return out, nil
}
