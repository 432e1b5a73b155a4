package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/tableau/internal/cursor"
	"github.com/hazyhaar/tableau/internal/query"
)

// WindowOpts shape a windowed read.
type WindowOpts struct {
	Filter     *query.Node
	Sort       *query.Sort
	Projection []string
}

// Window is one materialized slice of a source's records.
type Window struct {
	Records []*Record `json:"records"`
	Total   int64     `json:"total"`
	Offset  int       `json:"offset"`
}

// StoreRecords upserts a batch of field maps into a source in one
// transaction. A missing "id" field gets a generated UUIDv7. "_createdAt"
// is honored when supplied and stamped otherwise; "_updatedAt" is always
// stamped and never moves backwards for a given id.
//
// Delta semantics: records absent from the batch are left untouched. A
// full resync is an explicit ClearRecords followed by StoreRecords.
func (s *Store) StoreRecords(ctx context.Context, sourceID string, batch []map[string]any) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store records: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (source_id, id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, id) DO UPDATE SET
		    payload    = excluded.payload,
		    updated_at = CASE WHEN excluded.updated_at > records.updated_at
		                 THEN excluded.updated_at ELSE records.updated_at + 1 END`)
	if err != nil {
		return 0, fmt.Errorf("store records: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	stored := 0
	for _, fields := range batch {
		id, createdAt, payload := splitReserved(fields, now)
		if id == "" {
			id = s.newID()
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return stored, fmt.Errorf("store records: marshal payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, sourceID, id, string(data), createdAt, now); err != nil {
			return stored, fmt.Errorf("store records: upsert %s: %w", id, err)
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return stored, fmt.Errorf("store records: commit: %w", err)
	}
	s.counts.invalidate(sourceID)
	return stored, nil
}

// splitReserved pulls the reserved meta fields out of an incoming field map
// and returns the remaining payload. The input map is not modified.
func splitReserved(fields map[string]any, now int64) (id string, createdAt int64, payload map[string]any) {
	createdAt = now
	payload = make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "id":
			if s, ok := v.(string); ok {
				id = s
			}
		case "_createdAt":
			if ts, ok := asInt64(v); ok {
				createdAt = ts
			}
		case "_updatedAt":
			// Always stamped by the engine.
		default:
			payload[k] = v
		}
	}
	return id, createdAt, payload
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// ClearRecords deletes all records of a source (source removal or full
// resync).
func (s *Store) ClearRecords(ctx context.Context, sourceID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM records WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	s.counts.invalidate(sourceID)
	return nil
}

// CountRecords returns the authoritative unfiltered count for a source and
// refreshes the count cache. Index-served, no row scan.
func (s *Store) CountRecords(ctx context.Context, sourceID string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE source_id = ?`, sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	s.counts.put(sourceID, n)
	return n, nil
}

// CachedCount returns the cached unfiltered count, falling through to an
// authoritative count on a miss or when force is set.
func (s *Store) CachedCount(ctx context.Context, sourceID string, force bool) (int64, error) {
	if !force {
		if n, ok := s.counts.get(sourceID); ok {
			return n, nil
		}
	}
	return s.CountRecords(ctx, sourceID)
}

// CountMatching counts records satisfying a filter. Filtered counts require
// a full scan of the source; there is no index over payload fields.
func (s *Store) CountMatching(ctx context.Context, sourceID string, filter *query.Node) (int64, error) {
	if filter == nil {
		return s.CountRecords(ctx, sourceID)
	}
	var n int64
	err := s.scanSource(ctx, sourceID, nil, func(rec *Record) error {
		if query.Matches(rec.Fields(), filter) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// GetRecordWindow returns one offset-indexed slice of a source's records.
// Each call opens one forward cursor; cursors are never reused across
// calls.
//
// With no filter and an index-backed sort the window is served straight
// from SQL with LIMIT/OFFSET. Any filter, or a sort on a payload field,
// forces a scan of the entire source before slicing: pagination must
// follow filtering and sorting or window boundaries would be wrong.
func (s *Store) GetRecordWindow(ctx context.Context, sourceID string, offset, limit int, opts WindowOpts) (*Window, error) {
	if offset < 0 {
		offset = 0
	}

	if opts.Filter == nil {
		if col, desc, ok := indexedSort(opts.Sort); ok {
			return s.indexedWindow(ctx, sourceID, offset, limit, col, desc, opts.Projection)
		}
	}

	// Full scan, then filter, then sort, then slice.
	var matched []*Record
	err := s.scanSource(ctx, sourceID, nil, func(rec *Record) error {
		if query.Matches(rec.Fields(), opts.Filter) {
			matched = append(matched, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	query.SortPayloads(matched, (*Record).Fields, opts.Sort)

	total := int64(len(matched))
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	slice := matched[offset:end]
	project(slice, opts.Projection)
	return &Window{Records: slice, Total: total, Offset: offset}, nil
}

// indexedWindow is the unfiltered fast path: count via the source index,
// rows via ORDER BY on an indexed column with LIMIT/OFFSET.
func (s *Store) indexedWindow(ctx context.Context, sourceID string, offset, limit int, col string, desc bool, projection []string) (*Window, error) {
	total, err := s.CountRecords(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	sqlLimit := limit
	if sqlLimit <= 0 {
		sqlLimit = -1 // no limit
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, payload, created_at, updated_at FROM records
		 WHERE source_id = ? ORDER BY %s %s, id ASC LIMIT ? OFFSET ?`, col, dir),
		sourceID, sqlLimit, offset)
	if err != nil {
		return nil, fmt.Errorf("record window: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, sourceID)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record window: cursor: %w", err)
	}
	project(recs, projection)
	return &Window{Records: recs, Total: total, Offset: offset}, nil
}

// QueryRecords returns a lazy, finite, non-restartable stream of
// filtered+projected records for the spec. Each call reopens from the
// start. The stream must be drained or closed; until then it holds its
// cursor open.
//
// Stored order (created_at, id) is preserved unless the spec sorts. Sorts
// on payload fields cannot stream from the index and buffer the matching
// set before the first emit.
func (s *Store) QueryRecords(ctx context.Context, spec query.Spec) *cursor.Stream[*Record] {
	sourceID := spec.SourceID
	col, desc, indexed := indexedSort(spec.Sort)

	return cursor.New(func(emit func(*Record) error) error {
		emitted := 0
		push := func(rec *Record) error {
			if spec.Limit > 0 && emitted >= spec.Limit {
				return errLimitReached
			}
			if !query.Matches(rec.Fields(), spec.Filter) {
				return nil
			}
			projectOne(rec, spec.Projection)
			if err := emit(rec); err != nil {
				return err
			}
			emitted++
			return nil
		}

		if indexed {
			err := s.scanSource(ctx, sourceID, &scanOrder{col: col, desc: desc}, push)
			if err == errLimitReached {
				return nil
			}
			return err
		}

		// Payload-field sort: materialize matches, sort, then emit under
		// the same handshake.
		var matched []*Record
		err := s.scanSource(ctx, sourceID, nil, func(rec *Record) error {
			if query.Matches(rec.Fields(), spec.Filter) {
				matched = append(matched, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		query.SortPayloads(matched, (*Record).Fields, spec.Sort)
		for i, rec := range matched {
			if spec.Limit > 0 && i >= spec.Limit {
				return nil
			}
			projectOne(rec, spec.Projection)
			if err := emit(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// errLimitReached stops a streaming scan once spec.Limit records were
// emitted. Never escapes QueryRecords.
var errLimitReached = fmt.Errorf("store: limit reached")

// scanOrder selects an indexed ORDER BY for scanSource.
type scanOrder struct {
	col  string
	desc bool
}

// indexedSort maps a sort spec to an indexed column. Stored order
// (nil sort) maps to created_at ascending.
func indexedSort(s *query.Sort) (col string, desc bool, ok bool) {
	if s == nil {
		return "created_at", false, true
	}
	switch s.Field {
	case "_createdAt":
		return "created_at", s.Desc, true
	case "_updatedAt":
		return "updated_at", s.Desc, true
	case "id":
		return "id", s.Desc, true
	default:
		return "", false, false
	}
}

// scanSource opens one forward cursor over a source and pushes every record
// through fn. A non-nil error from fn stops the scan and is returned.
func (s *Store) scanSource(ctx context.Context, sourceID string, order *scanOrder, fn func(*Record) error) error {
	if order == nil {
		order = &scanOrder{col: "created_at"}
	}
	dir := "ASC"
	if order.desc {
		dir = "DESC"
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, payload, created_at, updated_at FROM records
		 WHERE source_id = ? ORDER BY %s %s, id ASC`, order.col, dir), sourceID)
	if err != nil {
		return fmt.Errorf("scan source: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows, sourceID)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan source: cursor: %w", err)
	}
	return nil
}

func scanRecord(rows *sql.Rows, sourceID string) (*Record, error) {
	var rec Record
	var payload string
	if err := rows.Scan(&rec.ID, &payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.SourceID = sourceID
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("scan record %s: payload: %w", rec.ID, err)
	}
	return &rec, nil
}

func project(recs []*Record, fields []string) {
	if fields == nil {
		return
	}
	for _, rec := range recs {
		projectOne(rec, fields)
	}
}

func projectOne(rec *Record, fields []string) {
	if fields == nil {
		return
	}
	rec.Payload = query.Project(rec.Payload, fields)
}
