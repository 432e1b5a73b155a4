package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sourceColumns = `id, name, kind, sync_state, sync_error, last_synced_at,
	server_clock, record_count, schema_json, api_config_json, derivation_json,
	created_at, updated_at`

// InsertSource adds a new source descriptor.
func (s *Store) InsertSource(ctx context.Context, src *Source) error {
	now := time.Now().UnixMilli()
	if src.CreatedAt == 0 {
		src.CreatedAt = now
	}
	if src.UpdatedAt == 0 {
		src.UpdatedAt = now
	}
	if src.Kind == "" {
		src.Kind = KindImported
	}
	if src.SyncState == "" {
		src.SyncState = SyncNever
	}
	if src.SchemaJSON == "" {
		src.SchemaJSON = "{}"
	}
	if src.APIConfigJSON == "" {
		src.APIConfigJSON = "{}"
	}
	if src.DerivationJSON == "" {
		src.DerivationJSON = "{}"
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.Kind, src.SyncState, src.SyncError, src.LastSyncedAt,
		src.ServerClock, src.RecordCount, src.SchemaJSON, src.APIConfigJSON,
		src.DerivationJSON, src.CreatedAt, src.UpdatedAt,
	)
	return err
}

// GetSource retrieves a source by ID. Returns nil when absent.
func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	return scanSourceRow(row)
}

// GetSourceByName returns a source matching the given name, or nil.
func (s *Store) GetSourceByName(ctx context.Context, name string) (*Source, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE name = ? LIMIT 1`, name)
	return scanSourceRow(row)
}

// ListSources returns all source descriptors, newest first.
func (s *Store) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src, err := scanSourceRows(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// UpdateSource updates a source's descriptor fields (not its sync state).
func (s *Store) UpdateSource(ctx context.Context, src *Source) error {
	src.UpdatedAt = time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET name=?, kind=?, schema_json=?, api_config_json=?,
		derivation_json=?, updated_at=?
		WHERE id=?`,
		src.Name, src.Kind, src.SchemaJSON, src.APIConfigJSON,
		src.DerivationJSON, src.UpdatedAt, src.ID,
	)
	return err
}

// DeleteSource removes a source (cascades to records, queries, refresh_log).
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return err
	}
	s.counts.invalidate(id)
	return nil
}

// CountSources returns the total number of sources.
func (s *Store) CountSources(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&count)
	return count, err
}

// --- Sync state transitions ---
//
// The store persists the transition; legality is enforced by the source
// handle before it calls in here.

// MarkSyncing flips a source into the syncing state.
func (s *Store) MarkSyncing(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET sync_state=?, updated_at=? WHERE id=?`,
		SyncSyncing, now, id)
	return err
}

// MarkSyncSuccess records a completed sync: fresh state, cleared error,
// advanced clock and cached record count.
func (s *Store) MarkSyncSuccess(ctx context.Context, id string, serverClock, recordCount int64) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET sync_state=?, sync_error='', last_synced_at=?,
		server_clock=?, record_count=?, updated_at=?
		WHERE id=?`,
		SyncFresh, now, serverClock, recordCount, now, id)
	return err
}

// MarkSyncError records a failed sync, retaining the message. The error
// state persists until the next explicit refresh attempt.
func (s *Store) MarkSyncError(ctx context.Context, id, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET sync_state=?, sync_error=?, updated_at=? WHERE id=?`,
		SyncError, errMsg, now, id)
	return err
}

// UpdateRecordCount refreshes the cached record count on the descriptor.
func (s *Store) UpdateRecordCount(ctx context.Context, id string, n int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET record_count=? WHERE id=?`, n, id)
	return err
}

// --- Refresh log ---

// AppendRefreshLog records one refresh attempt.
func (s *Store) AppendRefreshLog(ctx context.Context, e *RefreshLogEntry) error {
	if e.ID == "" {
		e.ID = s.newID()
	}
	if e.RefreshedAt == 0 {
		e.RefreshedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO refresh_log (id, source_id, status, error_message, added,
		updated, duration_ms, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, e.Status, e.ErrorMessage, e.Added, e.Updated,
		e.DurationMs, e.RefreshedAt,
	)
	return err
}

// RefreshHistory returns recent refresh attempts for a source, newest first.
func (s *Store) RefreshHistory(ctx context.Context, sourceID string, limit int) ([]*RefreshLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, source_id, status, error_message, added, updated,
		duration_ms, refreshed_at
		FROM refresh_log WHERE source_id = ?
		ORDER BY refreshed_at DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*RefreshLogEntry
	for rows.Next() {
		var e RefreshLogEntry
		if err := rows.Scan(&e.ID, &e.SourceID, &e.Status, &e.ErrorMessage,
			&e.Added, &e.Updated, &e.DurationMs, &e.RefreshedAt); err != nil {
			return nil, fmt.Errorf("scan refresh log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneRefreshLog deletes refresh log entries older than the retention
// window. Zero retention disables pruning.
func (s *Store) PruneRefreshLog(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM refresh_log WHERE refreshed_at < ?`, cutoff)
	return err
}

func scanSourceRow(row *sql.Row) (*Source, error) {
	var src Source
	err := row.Scan(
		&src.ID, &src.Name, &src.Kind, &src.SyncState, &src.SyncError,
		&src.LastSyncedAt, &src.ServerClock, &src.RecordCount, &src.SchemaJSON,
		&src.APIConfigJSON, &src.DerivationJSON, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	return &src, nil
}

func scanSourceRows(rows *sql.Rows) (*Source, error) {
	var src Source
	err := rows.Scan(
		&src.ID, &src.Name, &src.Kind, &src.SyncState, &src.SyncError,
		&src.LastSyncedAt, &src.ServerClock, &src.RecordCount, &src.SchemaJSON,
		&src.APIConfigJSON, &src.DerivationJSON, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	return &src, nil
}
