// Package media reads and updates the externally owned media records. The
// worker only ever writes the thumbnail reference; every other column
// belongs to the upload pipeline.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound reports a media id with no backing row.
var ErrNotFound = errors.New("media: not found")

// Media is the slice of the media row this worker consumes.
type Media struct {
	ID           string
	Name         string
	URL          string
	Duration     float64
	ThumbnailURL string
	UserID       string
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetByID(ctx context.Context, id string) (*Media, error) {
	const q = `SELECT id, name, url, duration, thumbnail_url, user_id
		FROM media WHERE id = $1`

	var (
		m        Media
		duration *float64
		thumb    *string
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&m.ID, &m.Name, &m.URL, &duration, &thumb, &m.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("media %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("query media %s: %w", id, err)
	}
	if duration != nil {
		m.Duration = *duration
	}
	if thumb != nil {
		m.ThumbnailURL = *thumb
	}
	return &m, nil
}

// UpdateThumbnail writes the private thumbnail reference onto the record.
func (s *Store) UpdateThumbnail(ctx context.Context, id, ref string) error {
	const q = `UPDATE media SET thumbnail_url = $2, updated_at = now() WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, ref)
	if err != nil {
		return fmt.Errorf("update thumbnail for media %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("media %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListMissingThumbnails returns media rows with a known duration but no
// thumbnail yet, oldest first. Used by the backfill tool.
func (s *Store) ListMissingThumbnails(ctx context.Context, limit int) ([]Media, error) {
	const q = `SELECT id, name, url, duration, thumbnail_url, user_id
		FROM media
		WHERE (thumbnail_url IS NULL OR thumbnail_url = '')
		  AND duration IS NOT NULL AND duration > 0
		ORDER BY created_at
		LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list media missing thumbnails: %w", err)
	}
	defer rows.Close()

	var out []Media
	for rows.Next() {
		var (
			m        Media
			duration *float64
			thumb    *string
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.URL, &duration, &thumb, &m.UserID); err != nil {
			return nil, fmt.Errorf("scan media row: %w", err)
		}
		if duration != nil {
			m.Duration = *duration
		}
		if thumb != nil {
			m.ThumbnailURL = *thumb
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media rows: %w", err)
	}
	return out, nil
}
