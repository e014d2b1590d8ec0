package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"clip_relay/internal/domain"
)

type ItemStore struct {
	db *sqlx.DB
	tx *TransactionManager
}

func NewItemStore(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db, tx: NewTransactionManager(db)}
}

// SaveItem archives a pipeline item with its clip outcomes, replacing any
// earlier row for the same id. A terminal item releases its pending event.
func (s *ItemStore) SaveItem(ctx context.Context, item *domain.PipelineItem) error {
	history, err := json.Marshal(item.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		ex := executor(ctx, s.db)

		query := `
			INSERT INTO pipeline_items (
				id, channel_id, video_id, title, discovery_path, video_published_at,
				state, stage, error_kind, reason, attempts, history, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
			)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				stage = EXCLUDED.stage,
				error_kind = EXCLUDED.error_kind,
				reason = EXCLUDED.reason,
				attempts = EXCLUDED.attempts,
				history = EXCLUDED.history,
				updated_at = EXCLUDED.updated_at`

		_, err := ex.ExecContext(ctx, query,
			item.ID,
			item.Event.ChannelID,
			item.Event.VideoID,
			item.Event.Title,
			item.Event.Path,
			item.Event.PublishedAt,
			item.State,
			nullString(string(item.Stage)),
			nullString(string(item.ErrorKind)),
			nullString(item.Reason),
			item.Attempts,
			history,
			item.CreatedAt,
			item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert item: %w", err)
		}

		if _, err := ex.ExecContext(ctx, `DELETE FROM clip_outcomes WHERE item_id = $1`, item.ID); err != nil {
			return fmt.Errorf("delete outcomes: %w", err)
		}

		for _, o := range item.Outcomes {
			var remoteID, url sql.NullString
			if o.Receipt != nil {
				remoteID = nullString(o.Receipt.RemoteID)
				url = nullString(o.Receipt.URL)
			}
			_, err := ex.ExecContext(ctx, `
				INSERT INTO clip_outcomes (item_id, clip_index, published, remote_id, url, error, attempts, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				item.ID, o.ClipIndex, o.Published, remoteID, url, nullString(o.Error), o.Attempts, o.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert outcome %d: %w", o.ClipIndex, err)
			}
		}

		if item.State.Terminal() {
			return deletePending(ctx, ex, item.Event.ChannelID, item.Event.VideoID)
		}
		return nil
	})
}

// ItemSummary is one archived item as listed by the history command.
type ItemSummary struct {
	ID        string         `db:"id"`
	ChannelID string         `db:"channel_id"`
	VideoID   string         `db:"video_id"`
	Title     string         `db:"title"`
	State     string         `db:"state"`
	Stage     sql.NullString `db:"stage"`
	Reason    sql.NullString `db:"reason"`
	Published int            `db:"published"`
	Clips     int            `db:"clips"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// RecentItems lists the latest archived items, optionally restricted to the
// given channels.
func (s *ItemStore) RecentItems(ctx context.Context, limit int, channelIDs []string) ([]ItemSummary, error) {
	query := `
		SELECT i.id, i.channel_id, i.video_id, i.title, i.state, i.stage, i.reason, i.updated_at,
			COUNT(o.clip_index) FILTER (WHERE o.published) AS published,
			COUNT(o.clip_index) AS clips
		FROM pipeline_items i
		LEFT JOIN clip_outcomes o ON o.item_id = i.id
		WHERE cardinality($2::text[]) = 0 OR i.channel_id = ANY($2)
		GROUP BY i.id
		ORDER BY i.updated_at DESC
		LIMIT $1`

	if channelIDs == nil {
		channelIDs = []string{}
	}
	var result []ItemSummary
	if err := s.db.SelectContext(ctx, &result, query, limit, pq.Array(channelIDs)); err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	return result, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
