// Package checkpoint persists per-run, per-stage resume state as a single JSON
// document that is replaced atomically on every update.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/model"
)

var (
	// ErrAlreadyExists is returned by Create when a valid checkpoint for the
	// run key is already on disk.
	ErrAlreadyExists = eris.New("checkpoint: already exists")
	// ErrNotFound is returned by Open when no usable checkpoint exists.
	ErrNotFound = eris.New("checkpoint: not found")
)

// Params records how a run was started so an operator can tell runs apart.
type Params struct {
	Stages           []model.Stage `json:"stages"`
	Strategy         string        `json:"strategy"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
	ItemCount        int           `json:"item_count"`
	Source           string        `json:"source,omitempty"`
}

type stageDoc struct {
	Completed      bool     `json:"completed"`
	ProcessedIDs   []string `json:"processed_ids"`
	ProcessedCount int      `json:"processed_count"`
}

type document struct {
	RunKey     string                   `json:"run_key"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
	Params     Params                   `json:"params"`
	Stages     map[model.Stage]stageDoc `json:"stages"`
	OutputRefs map[model.Stage]string   `json:"output_refs"`
}

// RunKey derives a stable identifier from the item IDs and the stage list.
// Item order does not matter; the same input always resumes the same run.
func RunKey(itemIDs []string, stages []model.Stage) string {
	ids := append([]string(nil), itemIDs...)
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte{0})
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	h.Write([]byte(strings.Join(names, ",")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Store manages checkpoint documents under one directory.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "checkpoint: create dir")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding checkpoint documents.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(runKey string) string {
	return filepath.Join(s.dir, runKey+".json")
}

// Has reports whether a readable checkpoint exists for runKey. A corrupt
// document counts as absent.
func (s *Store) Has(runKey string) bool {
	_, err := s.load(runKey)
	return err == nil
}

// Create starts a fresh checkpoint. It fails with ErrAlreadyExists if a valid
// checkpoint is present; a corrupt one is overwritten.
func (s *Store) Create(runKey string, params Params) (*Checkpoint, error) {
	if s.Has(runKey) {
		return nil, eris.Wrapf(ErrAlreadyExists, "run %s", runKey)
	}
	now := time.Now().UTC()
	cp := &Checkpoint{
		path:       s.path(runKey),
		runKey:     runKey,
		createdAt:  now,
		updatedAt:  now,
		params:     params,
		stages:     make(map[model.Stage]*model.CheckpointRecord),
		outputRefs: make(map[model.Stage]string),
	}
	for _, st := range params.Stages {
		cp.stages[st] = newRecord(st)
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if err := cp.persistLocked(); err != nil {
		return nil, err
	}
	return cp, nil
}

// Open loads an existing checkpoint. Missing and corrupt documents both yield
// ErrNotFound; corruption is logged.
func (s *Store) Open(runKey string) (*Checkpoint, error) {
	doc, err := s.load(runKey)
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		path:       s.path(runKey),
		runKey:     doc.RunKey,
		createdAt:  doc.CreatedAt,
		updatedAt:  doc.UpdatedAt,
		params:     doc.Params,
		stages:     make(map[model.Stage]*model.CheckpointRecord),
		outputRefs: make(map[model.Stage]string),
	}
	for st, sd := range doc.Stages {
		rec := newRecord(st)
		rec.Completed = sd.Completed
		for _, id := range sd.ProcessedIDs {
			rec.ProcessedIDs[id] = struct{}{}
		}
		rec.ProcessedCount = len(rec.ProcessedIDs)
		cp.stages[st] = rec
	}
	for st, ref := range doc.OutputRefs {
		cp.outputRefs[st] = ref
		if rec, ok := cp.stages[st]; ok {
			rec.OutputRef = ref
		}
	}
	return cp, nil
}

// Clear deletes the checkpoint for runKey. Clearing a missing checkpoint is
// not an error.
func (s *Store) Clear(runKey string) error {
	if err := os.Remove(s.path(runKey)); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "checkpoint: remove")
	}
	return nil
}

func (s *Store) load(runKey string) (*document, error) {
	data, err := os.ReadFile(s.path(runKey))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: read")
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil || doc.RunKey != runKey {
		zap.L().Warn("checkpoint: ignoring corrupt document",
			zap.String("run_key", runKey),
			zap.String("path", s.path(runKey)),
			zap.Error(err),
		)
		return nil, ErrNotFound
	}
	return &doc, nil
}

func newRecord(st model.Stage) *model.CheckpointRecord {
	return &model.CheckpointRecord{
		Stage:        st,
		ProcessedIDs: make(map[string]struct{}),
	}
}

// Checkpoint is the resume state of one run. All methods are safe for
// concurrent use; every mutation rewrites the document atomically.
type Checkpoint struct {
	mu         sync.RWMutex
	path       string
	runKey     string
	createdAt  time.Time
	updatedAt  time.Time
	params     Params
	stages     map[model.Stage]*model.CheckpointRecord
	outputRefs map[model.Stage]string
	cleared    bool
}

// RunKey returns the run this checkpoint belongs to.
func (c *Checkpoint) RunKey() string {
	return c.runKey
}

// Params returns the parameters the run was created with.
func (c *Checkpoint) Params() Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.params
	p.Stages = append([]model.Stage(nil), c.params.Stages...)
	return p
}

// ProcessedIDs returns a copy of the IDs already handled in stage.
func (c *Checkpoint) ProcessedIDs(stage model.Stage) map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{})
	if rec, ok := c.stages[stage]; ok {
		for id := range rec.ProcessedIDs {
			out[id] = struct{}{}
		}
	}
	return out
}

// MarkItemDone records a single processed item. Adding a known id is a no-op.
func (c *Checkpoint) MarkItemDone(stage model.Stage, id string) error {
	return c.MarkItemsDone(stage, []string{id})
}

// MarkItemsDone records many processed items with one durable write.
func (c *Checkpoint) MarkItemsDone(stage model.Stage, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.recordLocked(stage)
	added := 0
	for _, id := range ids {
		if _, ok := rec.ProcessedIDs[id]; ok {
			continue
		}
		rec.ProcessedIDs[id] = struct{}{}
		added++
	}
	rec.ProcessedCount = len(rec.ProcessedIDs)
	if added == 0 {
		return nil
	}
	return c.persistLocked()
}

// MarkStageCompleted flags stage as done. The caller guarantees every
// submitted item was recorded first.
func (c *Checkpoint) MarkStageCompleted(stage model.Stage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked(stage).Completed = true
	return c.persistLocked()
}

// StageCompleted reports whether stage has been flagged done.
func (c *Checkpoint) StageCompleted(stage model.Stage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.stages[stage]
	return ok && rec.Completed
}

// SetOutputRef records where stage wrote its artifact.
func (c *Checkpoint) SetOutputRef(stage model.Stage, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outputRefs[stage] == ref {
		return nil
	}
	c.outputRefs[stage] = ref
	c.recordLocked(stage).OutputRef = ref
	return c.persistLocked()
}

// OutputRef returns the artifact reference for stage, if set.
func (c *Checkpoint) OutputRef(stage model.Stage) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.outputRefs[stage]
	return ref, ok
}

// Record returns a copy of the stage record.
func (c *Checkpoint) Record(stage model.Stage) model.CheckpointRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.stages[stage]
	if !ok {
		return model.CheckpointRecord{Stage: stage, ProcessedIDs: map[string]struct{}{}}
	}
	return copyRecord(rec)
}

// Clear deletes the document. Later mutations fail.
func (c *Checkpoint) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = true
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "checkpoint: remove")
	}
	return nil
}

// Snapshot is a point-in-time copy of a checkpoint for readers.
type Snapshot struct {
	RunKey    string                   `json:"run_key"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	Params    Params                   `json:"params"`
	Stages    []model.CheckpointRecord `json:"stages"`
}

// Snapshot copies the current state without blocking writers for long.
func (c *Checkpoint) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		RunKey:    c.runKey,
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
		Params:    c.params,
	}
	snap.Params.Stages = append([]model.Stage(nil), c.params.Stages...)
	for _, st := range model.StageOrder {
		if rec, ok := c.stages[st]; ok {
			snap.Stages = append(snap.Stages, copyRecord(rec))
		}
	}
	return snap
}

func copyRecord(rec *model.CheckpointRecord) model.CheckpointRecord {
	out := *rec
	out.ProcessedIDs = make(map[string]struct{}, len(rec.ProcessedIDs))
	for id := range rec.ProcessedIDs {
		out.ProcessedIDs[id] = struct{}{}
	}
	return out
}

func (c *Checkpoint) recordLocked(stage model.Stage) *model.CheckpointRecord {
	rec, ok := c.stages[stage]
	if !ok {
		rec = newRecord(stage)
		c.stages[stage] = rec
	}
	return rec
}

// persistLocked writes the document to a temp file in the same directory,
// syncs it and renames it over the old one. Callers hold c.mu.
func (c *Checkpoint) persistLocked() error {
	if c.cleared {
		return eris.Errorf("checkpoint: run %s was cleared", c.runKey)
	}
	c.updatedAt = time.Now().UTC()

	doc := document{
		RunKey:     c.runKey,
		CreatedAt:  c.createdAt,
		UpdatedAt:  c.updatedAt,
		Params:     c.params,
		Stages:     make(map[model.Stage]stageDoc, len(c.stages)),
		OutputRefs: make(map[model.Stage]string, len(c.outputRefs)),
	}
	for st, rec := range c.stages {
		ids := make([]string, 0, len(rec.ProcessedIDs))
		for id := range rec.ProcessedIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		doc.Stages[st] = stageDoc{
			Completed:      rec.Completed,
			ProcessedIDs:   ids,
			ProcessedCount: len(ids),
		}
	}
	for st, ref := range c.outputRefs {
		doc.OutputRefs[st] = ref
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}
	return writeAtomic(c.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrap(err, "checkpoint: write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrap(err, "checkpoint: sync temp")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: close temp")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: rename")
	}
	return nil
}
