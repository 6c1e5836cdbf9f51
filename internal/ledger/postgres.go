package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/job-scorer/internal/db"
	"github.com/sells-group/job-scorer/internal/model"
)

// Postgres implements Ledger using pgxpool.
type Postgres struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to connString and returns a ledger backed by a pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*Postgres, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &Postgres{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresWithPool(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS failures (
	id                TEXT PRIMARY KEY,
	item_id           TEXT NOT NULL,
	stage             TEXT NOT NULL,
	error_kind        TEXT NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	failure_count     INTEGER NOT NULL DEFAULT 1,
	first_failed      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed       TIMESTAMPTZ NOT NULL DEFAULT now(),
	raw_item_snapshot JSONB NOT NULL DEFAULT '{}'::jsonb,
	UNIQUE (item_id, stage)
);

CREATE INDEX IF NOT EXISTS idx_failures_stage ON failures(stage);
CREATE INDEX IF NOT EXISTS idx_failures_error_kind ON failures(error_kind);
CREATE INDEX IF NOT EXISTS idx_failures_count ON failures(failure_count DESC, last_failed DESC);
`

const postgresUpsert = `INSERT INTO failures
	(id, item_id, stage, error_kind, error_message, failure_count, first_failed, last_failed, raw_item_snapshot)
	VALUES ($1, $2, $3, $4, $5, 1, $6, $6, $7)
	ON CONFLICT (item_id, stage) DO UPDATE SET
	  error_kind = EXCLUDED.error_kind,
	  error_message = EXCLUDED.error_message,
	  failure_count = failures.failure_count + 1,
	  last_failed = EXCLUDED.last_failed,
	  raw_item_snapshot = EXCLUDED.raw_item_snapshot`

// Migrate creates the failures table.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool if this ledger created it.
func (s *Postgres) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Record upserts a single failure.
func (s *Postgres) Record(ctx context.Context, e Entry) error {
	at := entryTime(e)
	_, err := s.pool.Exec(ctx, postgresUpsert,
		uuid.New().String(), e.ItemID, string(e.Stage), string(e.Kind),
		e.Message, at, snapshotJSON(e.Snapshot),
	)
	return eris.Wrapf(err, "postgres: record failure %s/%s", e.ItemID, e.Stage)
}

// RecordBatch upserts failures in one transaction.
func (s *Postgres) RecordBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range entries {
		at := entryTime(e)
		if _, err := tx.Exec(ctx, postgresUpsert,
			uuid.New().String(), e.ItemID, string(e.Stage), string(e.Kind),
			e.Message, at, snapshotJSON(e.Snapshot),
		); err != nil {
			return eris.Wrapf(err, "postgres: record failure %s/%s", e.ItemID, e.Stage)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit record")
}

// List returns failures matching filter.
func (s *Postgres) List(ctx context.Context, filter model.FailureFilter) ([]model.FailureRecord, error) {
	query := `SELECT id, item_id, stage, error_kind, error_message, failure_count,
	          first_failed, last_failed, raw_item_snapshot::text
	          FROM failures WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	if filter.MinFailures > 1 {
		query += fmt.Sprintf(` AND failure_count >= $%d`, argIdx)
		args = append(args, filter.MinFailures)
		argIdx++
	}
	if filter.ErrorKind != "" {
		query += fmt.Sprintf(` AND error_kind = $%d`, argIdx)
		args = append(args, string(filter.ErrorKind))
		argIdx++
	}
	if len(filter.ItemIDs) > 0 {
		query += fmt.Sprintf(` AND item_id = ANY($%d)`, argIdx)
		args = append(args, filter.ItemIDs)
		argIdx++
	}
	query += ` ORDER BY failure_count DESC, last_failed DESC, item_id ASC, stage ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []model.FailureRecord
	for rows.Next() {
		var r model.FailureRecord
		var stage, kind string
		if err := rows.Scan(&r.ID, &r.ItemID, &stage, &kind, &r.ErrorMessage,
			&r.FailureCount, &r.FirstFailed, &r.LastFailed, &r.RawItemSnapshot); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		r.Stage = model.Stage(stage)
		r.ErrorKind = model.ErrorKind(kind)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

// Resolve deletes the record for (itemID, stage).
func (s *Postgres) Resolve(ctx context.Context, itemID string, stage model.Stage) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM failures WHERE item_id = $1 AND stage = $2`,
		itemID, string(stage),
	)
	return eris.Wrap(err, "postgres: resolve failure")
}

// ResolveBatch deletes the records of itemIDs for stage.
func (s *Postgres) ResolveBatch(ctx context.Context, stage model.Stage, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM failures WHERE stage = $1 AND item_id = ANY($2)`,
		string(stage), itemIDs,
	)
	return eris.Wrap(err, "postgres: resolve failures")
}

// Stats summarises the ledger.
func (s *Postgres) Stats(ctx context.Context) (*model.FailureStats, error) {
	recs, err := s.List(ctx, model.FailureFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	return statsFromRecords(recs), nil
}

// snapshotJSON keeps the JSONB column valid when a snapshot is missing.
func snapshotJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
