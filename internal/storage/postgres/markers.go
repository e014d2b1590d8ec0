// Package postgres persists channel markers, dedup admissions, pipeline
// items and events left pending at shutdown.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"clip_relay/internal/domain"
)

type MarkerStore struct {
	db *sqlx.DB
}

func NewMarkerStore(db *sqlx.DB) *MarkerStore {
	return &MarkerStore{db: db}
}

type markerRow struct {
	ChannelID   string    `db:"channel_id"`
	PublishedAt time.Time `db:"published_at"`
	VideoID     string    `db:"video_id"`
}

func (s *MarkerStore) LoadMarkers(ctx context.Context) (map[string]domain.Marker, error) {
	var rows []markerRow
	err := s.db.SelectContext(ctx, &rows, `SELECT channel_id, published_at, video_id FROM channel_markers`)
	if err != nil {
		return nil, fmt.Errorf("select markers: %w", err)
	}

	result := make(map[string]domain.Marker, len(rows))
	for _, r := range rows {
		result[r.ChannelID] = domain.Marker{PublishedAt: r.PublishedAt.UTC(), VideoID: r.VideoID}
	}
	return result, nil
}

// SaveMarker stores the marker only when it is ahead of the stored one, so
// writes that arrive out of order never move it backwards.
func (s *MarkerStore) SaveMarker(ctx context.Context, channelID string, marker domain.Marker) error {
	query := `
		INSERT INTO channel_markers (channel_id, published_at, video_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			published_at = EXCLUDED.published_at,
			video_id = EXCLUDED.video_id,
			updated_at = EXCLUDED.updated_at
		WHERE (channel_markers.published_at, channel_markers.video_id)
			< (EXCLUDED.published_at, EXCLUDED.video_id)`

	if _, err := s.db.ExecContext(ctx, query, channelID, marker.PublishedAt, marker.VideoID); err != nil {
		return fmt.Errorf("save marker: %w", err)
	}
	return nil
}

// ResetMarker overwrites the stored marker unconditionally.
func (s *MarkerStore) ResetMarker(ctx context.Context, channelID string, marker domain.Marker) error {
	query := `
		INSERT INTO channel_markers (channel_id, published_at, video_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			published_at = EXCLUDED.published_at,
			video_id = EXCLUDED.video_id,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.db.ExecContext(ctx, query, channelID, marker.PublishedAt, marker.VideoID); err != nil {
		return fmt.Errorf("reset marker: %w", err)
	}
	return nil
}
