package tableau

import (
	"context"
	"time"

	"github.com/hazyhaar/tableau/internal/cursor"
	"github.com/hazyhaar/tableau/internal/query"
	"github.com/hazyhaar/tableau/internal/source"
	"github.com/hazyhaar/tableau/internal/store"
)

// RecordStream is a lazy, finite, non-restartable stream of query results.
type RecordStream = cursor.Stream[*store.Record]

// QueryWindow is one windowed read with the freshness observed at read
// time. Always answered from local data, regardless of staleness.
type QueryWindow struct {
	Records    []*Record `json:"records"`
	Total      int64     `json:"total"`
	Offset     int       `json:"offset"`
	Freshness  Freshness `json:"freshness"`
	ExecutedAt int64     `json:"executed_at"`
}

// LiveQuery binds an immutable filter/sort/projection spec to one source.
// Results are read from the local store on demand; a query holds no result
// set of its own. Safe for concurrent use.
type LiveQuery struct {
	spec   query.Spec
	handle *source.Handle
}

// Spec returns a copy of the bound spec.
func (q *LiveQuery) Spec() QuerySpec { return q.spec }

// SourceID returns the bound source id.
func (q *LiveQuery) SourceID() string { return q.spec.SourceID }

// Refine returns a new query with the refinement layered over this one:
// filters AND-combine, sort/projection/limit override when set. The
// receiver is unchanged.
func (q *LiveQuery) Refine(r Refinement) *LiveQuery {
	return &LiveQuery{spec: q.spec.Refine(r), handle: q.handle}
}

// GetWindow reads one offset-indexed window of results.
//
// Total counts all matches while Records holds at most limit of them; the
// two come from the same statement only on the unfiltered fast path, so a
// concurrent write between the count and the page read can skew them by a
// few rows. The next window read converges.
func (q *LiveQuery) GetWindow(ctx context.Context, offset, limit int) (*QueryWindow, error) {
	w, err := q.window(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	f, err := q.handle.Freshness(ctx)
	if err != nil {
		return nil, err
	}
	return &QueryWindow{
		Records:    w.Records,
		Total:      w.Total,
		Offset:     w.Offset,
		Freshness:  f,
		ExecutedAt: time.Now().UnixMilli(),
	}, nil
}

func (q *LiveQuery) window(ctx context.Context, offset, limit int) (*store.Window, error) {
	if q.spec.Limit > 0 && (limit <= 0 || limit > q.spec.Limit) {
		limit = q.spec.Limit
	}
	return q.handle.Store().GetRecordWindow(ctx, q.spec.SourceID, offset, limit, store.WindowOpts{
		Filter:     q.spec.Filter,
		Sort:       q.spec.Sort,
		Projection: q.spec.Projection,
	})
}

// GetCount returns how many records match the query. Unfiltered counts are
// served from the count cache; filtered counts scan the source.
func (q *LiveQuery) GetCount(ctx context.Context) (int64, error) {
	if q.spec.Filter == nil {
		return q.handle.RecordCount(ctx, false)
	}
	return q.handle.Store().CountMatching(ctx, q.spec.SourceID, q.spec.Filter)
}

// StreamAll opens a record stream over the full result set. The stream
// must be drained or closed; each call reopens from the start.
func (q *LiveQuery) StreamAll(ctx context.Context) *RecordStream {
	return q.handle.Store().QueryRecords(ctx, q.spec)
}

// Freshness reports the bound source's current freshness.
func (q *LiveQuery) Freshness(ctx context.Context) (Freshness, error) {
	return q.handle.Freshness(ctx)
}

// Refresh synchronizes the bound source with its origin.
func (q *LiveQuery) Refresh(ctx context.Context) (*RefreshResult, error) {
	return q.handle.Refresh(ctx)
}
