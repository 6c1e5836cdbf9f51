package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/model"
)

const maxArtifactLine = 16 << 20

// appendItems appends one JSON line per item and syncs the file. A torn final
// line left by an interrupted write is cut off first so the new records start
// on a line of their own.
func appendItems(path string, items []*model.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "pipeline: create artifact dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return eris.Wrap(err, "pipeline: open artifact")
	}
	if err := trimTornTail(f); err != nil {
		f.Close()
		return eris.Wrapf(err, "pipeline: repair artifact %s", path)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			f.Close()
			return eris.Wrapf(err, "pipeline: encode item %s", item.ID)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return eris.Wrap(err, "pipeline: flush artifact")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return eris.Wrap(err, "pipeline: sync artifact")
	}
	return eris.Wrap(f.Close(), "pipeline: close artifact")
}

// trimTornTail truncates f after its last newline when the file does not end
// in one, and leaves the offset at the end of the file.
func trimTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] != '\n' {
		keep, err := lastNewline(f, size)
		if err != nil {
			return err
		}
		zap.L().Warn("pipeline: truncating torn artifact line",
			zap.String("path", f.Name()),
			zap.Int64("dropped_bytes", size-keep),
		)
		if err := f.Truncate(keep); err != nil {
			return err
		}
	}
	_, err = f.Seek(0, io.SeekEnd)
	return err
}

// lastNewline returns the offset just past the last '\n' in the first size
// bytes of f, or 0 when there is none.
func lastNewline(f *os.File, size int64) (int64, error) {
	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// writeItems replaces path with items via a temp file and rename.
func writeItems(path string, items []*model.WorkItem) error {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "pipeline: remove stale temp")
	}
	if err := appendItems(tmp, items); err != nil {
		return err
	}
	if len(items) == 0 {
		if err := os.WriteFile(tmp, nil, 0o644); err != nil {
			return eris.Wrap(err, "pipeline: write empty results")
		}
	}
	return eris.Wrap(os.Rename(tmp, path), "pipeline: rename results")
}

// LoadArtifact reads a JSONL artifact. When an item appears more than once the
// last line wins; items keep the order of their first appearance. A missing
// file yields no items. Undecodable lines, such as a torn final write, are
// skipped.
func LoadArtifact(path string) ([]model.WorkItem, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: open artifact")
	}
	defer f.Close()

	var (
		order []string
		byID  = make(map[string]model.WorkItem)
		line  int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxArtifactLine)
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var item model.WorkItem
		if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
			zap.L().Warn("pipeline: skipping unreadable artifact line",
				zap.String("path", path),
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		if _, seen := byID[item.ID]; !seen {
			order = append(order, item.ID)
		}
		byID[item.ID] = item
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "pipeline: scan artifact")
	}

	out := make([]model.WorkItem, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}
