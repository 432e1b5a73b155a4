package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveQuery inserts or replaces a saved live-query spec.
func (s *Store) SaveQuery(ctx context.Context, q *SavedQuery) error {
	now := time.Now().UnixMilli()
	if q.ID == "" {
		q.ID = s.newID()
	}
	if q.CreatedAt == 0 {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO queries (id, source_id, name, spec_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    name = excluded.name,
		    spec_json = excluded.spec_json,
		    updated_at = excluded.updated_at`,
		q.ID, q.SourceID, q.Name, q.SpecJSON, q.CreatedAt, q.UpdatedAt,
	)
	return err
}

// GetQuery retrieves a saved query by ID. Returns nil when absent.
func (s *Store) GetQuery(ctx context.Context, id string) (*SavedQuery, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, source_id, name, spec_json, created_at, updated_at
		FROM queries WHERE id = ?`, id)
	var q SavedQuery
	err := row.Scan(&q.ID, &q.SourceID, &q.Name, &q.SpecJSON, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan query: %w", err)
	}
	return &q, nil
}

// ListQueries returns saved queries for a source, newest first.
func (s *Store) ListQueries(ctx context.Context, sourceID string) ([]*SavedQuery, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, source_id, name, spec_json, created_at, updated_at
		FROM queries WHERE source_id = ? ORDER BY created_at DESC`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []*SavedQuery
	for rows.Next() {
		var q SavedQuery
		if err := rows.Scan(&q.ID, &q.SourceID, &q.Name, &q.SpecJSON,
			&q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		queries = append(queries, &q)
	}
	return queries, rows.Err()
}

// DeleteQuery removes a saved query.
func (s *Store) DeleteQuery(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM queries WHERE id = ?`, id)
	return err
}
