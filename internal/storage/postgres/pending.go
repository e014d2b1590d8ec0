package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"clip_relay/internal/domain"
)

// PendingStore keeps admitted events until their pipeline item reaches a
// terminal state and is archived.
type PendingStore struct {
	db *sqlx.DB
	tx *TransactionManager
}

func NewPendingStore(db *sqlx.DB) *PendingStore {
	return &PendingStore{db: db, tx: NewTransactionManager(db)}
}

// SavePending inserts events that are not pending yet.
func (s *PendingStore) SavePending(ctx context.Context, events []domain.DiscoveryEvent) error {
	if len(events) == 0 {
		return nil
	}

	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		ex := executor(ctx, s.db)
		for _, ev := range events {
			if err := insertPending(ctx, ex, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPending returns the pending events in admission order. Rows stay in
// place until the items are archived, so a crash before then replays them.
func (s *PendingStore) LoadPending(ctx context.Context) ([]domain.DiscoveryEvent, error) {
	var events []domain.DiscoveryEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT channel_id, video_id, title, published_at, discovered_at, path
		FROM pending_events
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	return events, nil
}

func insertPending(ctx context.Context, ex sqlx.ExtContext, ev domain.DiscoveryEvent) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO pending_events (channel_id, video_id, title, published_at, discovered_at, path)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, video_id) DO NOTHING`,
		ev.ChannelID, ev.VideoID, ev.Title, ev.PublishedAt, ev.DiscoveredAt, ev.Path,
	)
	if err != nil {
		return fmt.Errorf("insert pending %s/%s: %w", ev.ChannelID, ev.VideoID, err)
	}
	return nil
}

func deletePending(ctx context.Context, ex sqlx.ExtContext, channelID, videoID string) error {
	_, err := ex.ExecContext(ctx,
		`DELETE FROM pending_events WHERE channel_id = $1 AND video_id = $2`, channelID, videoID)
	if err != nil {
		return fmt.Errorf("delete pending %s/%s: %w", channelID, videoID, err)
	}
	return nil
}
