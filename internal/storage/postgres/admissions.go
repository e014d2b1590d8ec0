package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"clip_relay/internal/domain"
)

type AdmissionStore struct {
	db *sqlx.DB
	tx *TransactionManager
}

func NewAdmissionStore(db *sqlx.DB) *AdmissionStore {
	return &AdmissionStore{db: db, tx: NewTransactionManager(db)}
}

// SaveAdmission records the admission and inserts ev into pending_events in
// the same transaction. The pending row is removed when the item is archived.
func (s *AdmissionStore) SaveAdmission(ctx context.Context, a domain.Admission, ev domain.DiscoveryEvent) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		ex := executor(ctx, s.db)

		query := `
			INSERT INTO admissions (channel_id, video_id, path, admitted_at)
			VALUES (:channel_id, :video_id, :path, :admitted_at)
			ON CONFLICT (channel_id, video_id) DO UPDATE SET
				path = EXCLUDED.path,
				admitted_at = EXCLUDED.admitted_at`
		if _, err := sqlx.NamedExecContext(ctx, ex, query, a); err != nil {
			return fmt.Errorf("save admission: %w", err)
		}

		if err := insertPending(ctx, ex, ev); err != nil {
			return err
		}
		return nil
	})
}

func (s *AdmissionStore) LoadAdmissions(ctx context.Context, since time.Time) ([]domain.Admission, error) {
	query := `
		SELECT channel_id, video_id, path, admitted_at
		FROM admissions
		WHERE admitted_at >= $1
		ORDER BY admitted_at`

	var result []domain.Admission
	if err := s.db.SelectContext(ctx, &result, query, since); err != nil {
		return nil, fmt.Errorf("select admissions: %w", err)
	}
	return result, nil
}

func (s *AdmissionStore) PurgeAdmissions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admissions WHERE admitted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge admissions: %w", err)
	}
	return res.RowsAffected()
}
