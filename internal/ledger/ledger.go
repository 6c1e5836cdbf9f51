// Package ledger is the durable record of per-item, per-stage failures. Records
// are keyed by (item_id, stage); a repeat failure increments the count and a
// later success resolves (deletes) the record.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/sells-group/job-scorer/internal/model"
)

// TopOffenderLimit bounds FailureStats.TopOffenders.
const TopOffenderLimit = 10

// Entry is one failure to record.
type Entry struct {
	ItemID   string
	Stage    model.Stage
	Kind     model.ErrorKind
	Message  string
	Snapshot string
	At       time.Time
}

// Ledger is implemented by the SQLite and Postgres backends. Writes are
// serialized by the backend; reads may run concurrently.
type Ledger interface {
	// Record upserts one failure: insert with failure_count=1, or increment the
	// count and replace kind, message, snapshot and last_failed.
	Record(ctx context.Context, e Entry) error
	// RecordBatch upserts many failures in one transaction.
	RecordBatch(ctx context.Context, entries []Entry) error
	// List returns matching records ordered by failure_count desc, last_failed desc.
	List(ctx context.Context, filter model.FailureFilter) ([]model.FailureRecord, error)
	// Resolve deletes the record for (itemID, stage). Missing records are ignored.
	Resolve(ctx context.Context, itemID string, stage model.Stage) error
	// ResolveBatch deletes the records for many items of one stage.
	ResolveBatch(ctx context.Context, stage model.Stage, itemIDs []string) error
	// Stats summarises the whole ledger.
	Stats(ctx context.Context) (*model.FailureStats, error)
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Ledger = (*SQLite)(nil)
	_ Ledger = (*Postgres)(nil)
)

// statsFromRecords builds FailureStats from a full record list. Both backends
// use it so the aggregation rules live in one place.
func statsFromRecords(recs []model.FailureRecord) *model.FailureStats {
	st := &model.FailureStats{
		Total:       len(recs),
		ByStage:     make(map[model.Stage]int),
		ByErrorKind: make(map[model.ErrorKind]int),
	}
	multi := make(map[string]bool)
	for _, r := range recs {
		st.ByStage[r.Stage]++
		st.ByErrorKind[r.ErrorKind]++
		if r.FailureCount > 1 {
			multi[r.ItemID] = true
		}
	}
	st.ItemsWithMultipleFailures = len(multi)

	sorted := append([]model.FailureRecord(nil), recs...)
	sortRecords(sorted)
	for i, r := range sorted {
		if i == TopOffenderLimit {
			break
		}
		st.TopOffenders = append(st.TopOffenders, model.FailureOffender{
			ItemID:       r.ItemID,
			Stage:        r.Stage,
			FailureCount: r.FailureCount,
		})
	}
	return st
}

// sortRecords orders by failure_count desc, last_failed desc, then item_id and
// stage so ties are deterministic.
func sortRecords(recs []model.FailureRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.FailureCount != b.FailureCount {
			return a.FailureCount > b.FailureCount
		}
		if !a.LastFailed.Equal(b.LastFailed) {
			return a.LastFailed.After(b.LastFailed)
		}
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		return a.Stage < b.Stage
	})
}

func entryTime(e Entry) time.Time {
	if e.At.IsZero() {
		return time.Now().UTC()
	}
	return e.At.UTC()
}
