package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/job-scorer/internal/model"
)

// SQLite implements Ledger using modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLite, error) {
	if dir := filepath.Dir(dsn); dsn != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "sqlite: create dir")
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS failures (
	id                TEXT PRIMARY KEY,
	item_id           TEXT NOT NULL,
	stage             TEXT NOT NULL,
	error_kind        TEXT NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	failure_count     INTEGER NOT NULL DEFAULT 1,
	first_failed      DATETIME NOT NULL,
	last_failed       DATETIME NOT NULL,
	raw_item_snapshot TEXT NOT NULL DEFAULT '',
	UNIQUE (item_id, stage)
);

CREATE INDEX IF NOT EXISTS idx_failures_stage ON failures(stage);
CREATE INDEX IF NOT EXISTS idx_failures_error_kind ON failures(error_kind);
CREATE INDEX IF NOT EXISTS idx_failures_count ON failures(failure_count);
`

const sqliteUpsert = `INSERT INTO failures
	(id, item_id, stage, error_kind, error_message, failure_count, first_failed, last_failed, raw_item_snapshot)
	VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
	ON CONFLICT (item_id, stage) DO UPDATE SET
	  error_kind = excluded.error_kind,
	  error_message = excluded.error_message,
	  failure_count = failures.failure_count + 1,
	  last_failed = excluded.last_failed,
	  raw_item_snapshot = excluded.raw_item_snapshot`

// Migrate creates the failures table.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Record upserts a single failure.
func (s *SQLite) Record(ctx context.Context, e Entry) error {
	return s.RecordBatch(ctx, []Entry{e})
}

// RecordBatch upserts failures in one transaction.
func (s *SQLite) RecordBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close()

	for _, e := range entries {
		at := entryTime(e)
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), e.ItemID, string(e.Stage), string(e.Kind),
			e.Message, at, at, e.Snapshot,
		); err != nil {
			return eris.Wrapf(err, "sqlite: record failure %s/%s", e.ItemID, e.Stage)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record")
}

// List returns failures matching filter.
func (s *SQLite) List(ctx context.Context, filter model.FailureFilter) ([]model.FailureRecord, error) {
	query := `SELECT id, item_id, stage, error_kind, error_message, failure_count,
	          first_failed, last_failed, raw_item_snapshot
	          FROM failures WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.MinFailures > 1 {
		query += ` AND failure_count >= ?`
		args = append(args, filter.MinFailures)
	}
	if filter.ErrorKind != "" {
		query += ` AND error_kind = ?`
		args = append(args, string(filter.ErrorKind))
	}
	if len(filter.ItemIDs) > 0 {
		query += ` AND item_id IN (?` + strings.Repeat(`, ?`, len(filter.ItemIDs)-1) + `)`
		for _, id := range filter.ItemIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY failure_count DESC, last_failed DESC, item_id ASC, stage ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close()

	var out []model.FailureRecord
	for rows.Next() {
		var r model.FailureRecord
		var stage, kind string
		if err := rows.Scan(&r.ID, &r.ItemID, &stage, &kind, &r.ErrorMessage,
			&r.FailureCount, &r.FirstFailed, &r.LastFailed, &r.RawItemSnapshot); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		r.Stage = model.Stage(stage)
		r.ErrorKind = model.ErrorKind(kind)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

// Resolve deletes the record for (itemID, stage).
func (s *SQLite) Resolve(ctx context.Context, itemID string, stage model.Stage) error {
	return s.ResolveBatch(ctx, stage, []string{itemID})
}

// ResolveBatch deletes the records of itemIDs for stage.
func (s *SQLite) ResolveBatch(ctx context.Context, stage model.Stage, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []any{string(stage)}
	for _, id := range itemIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM failures WHERE stage = ? AND item_id IN (?`+strings.Repeat(`, ?`, len(itemIDs)-1)+`)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: resolve failures")
}

// Stats summarises the ledger.
func (s *SQLite) Stats(ctx context.Context) (*model.FailureStats, error) {
	recs, err := s.List(ctx, model.FailureFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats")
	}
	return statsFromRecords(recs), nil
}
