package source

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

const maxLine = 16 << 20

// readJSON streams a top-level array of objects. A top-level object is read
// whole and its "items" list used.
func readJSON(ctx context.Context, path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "source: open json")
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	tok, err := dec.Token()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "source: read opening token")
	}

	if delim, ok := tok.(json.Delim); ok && delim == '{' {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, eris.Wrap(err, "source: rewind json")
		}
		var doc any
		if err := json.NewDecoder(f).Decode(&doc); err != nil {
			return nil, eris.Wrap(err, "source: decode json object")
		}
		return recordsFrom(doc)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, eris.Errorf("source: expected '[' or '{', got %v", tok)
	}

	var out []map[string]any
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "source: context cancelled")
		}
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(err, "source: decode element %d", len(out))
		}
		out = append(out, rec)
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "source: read closing token")
	}
	return out, nil
}

// readJSONL reads one object per line. Blank lines are ignored.
func readJSONL(ctx context.Context, path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "source: open jsonl")
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "source: context cancelled")
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, eris.Wrapf(err, "source: decode line %d", line)
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(sc.Err(), "source: scan jsonl")
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
