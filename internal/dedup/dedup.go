// Package dedup admits each (channel, video) pair at most once within a
// retention horizon, regardless of which discovery path saw it first.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clip_relay/internal/domain"
	"clip_relay/internal/metrics"
)

// AdmissionStore persists admissions so a restart does not re-admit.
type AdmissionStore interface {
	// SaveAdmission records the admission together with the admitted event,
	// which stays pending until its pipeline item is archived.
	SaveAdmission(ctx context.Context, a domain.Admission, ev domain.DiscoveryEvent) error
	LoadAdmissions(ctx context.Context, since time.Time) ([]domain.Admission, error)
	PurgeAdmissions(ctx context.Context, before time.Time) (int64, error)
}

type Deduplicator struct {
	mu        sync.Mutex
	seen      map[domain.AdmissionKey]time.Time
	retention time.Duration
	lastPurge time.Time

	store   AdmissionStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(retention time.Duration, store AdmissionStore, m *metrics.Metrics, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		seen:      make(map[domain.AdmissionKey]time.Time),
		retention: retention,
		store:     store,
		metrics:   m,
		logger:    logger.With("component", "dedup"),
		now:       time.Now,
	}
}

// TryAdmit records the event and returns true if its (channel, video) pair
// has not been admitted within the retention horizon.
func (d *Deduplicator) TryAdmit(ev domain.DiscoveryEvent) bool {
	key := ev.Key()

	d.mu.Lock()
	now := d.now()
	d.purgeLocked(now)
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.retention {
		d.mu.Unlock()
		d.metrics.Admission(string(ev.Path), false)
		d.logger.Debug("duplicate discovery",
			"channel_id", ev.ChannelID,
			"video_id", ev.VideoID,
			"path", ev.Path,
		)
		return false
	}
	d.seen[key] = now
	d.mu.Unlock()

	d.metrics.Admission(string(ev.Path), true)

	if d.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := d.store.SaveAdmission(ctx, domain.Admission{AdmissionKey: key, Path: ev.Path, AdmittedAt: now.UTC()}, ev)
		if err != nil {
			d.logger.Warn("failed to persist admission", "channel_id", ev.ChannelID, "video_id", ev.VideoID, "error", err)
		}
	}
	return true
}

// Restore loads admissions younger than the horizon and drops older rows.
func (d *Deduplicator) Restore(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	since := d.now().Add(-d.retention)

	if _, err := d.store.PurgeAdmissions(ctx, since); err != nil {
		d.logger.Warn("failed to purge old admissions", "error", err)
	}
	records, err := d.store.LoadAdmissions(ctx, since)
	if err != nil {
		return fmt.Errorf("load admissions: %w", err)
	}

	d.mu.Lock()
	for _, r := range records {
		if at, ok := d.seen[r.AdmissionKey]; !ok || r.AdmittedAt.After(at) {
			d.seen[r.AdmissionKey] = r.AdmittedAt
		}
	}
	n := len(d.seen)
	d.mu.Unlock()

	d.logger.Info("restored admissions", "count", n)
	return nil
}

// Horizon is the oldest publish time still guaranteed to be deduplicated.
func (d *Deduplicator) Horizon() time.Time {
	return d.now().Add(-d.retention)
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// purgeLocked drops expired entries at most once per tenth of the retention.
func (d *Deduplicator) purgeLocked(now time.Time) {
	if now.Sub(d.lastPurge) < d.retention/10 {
		return
	}
	d.lastPurge = now
	for key, at := range d.seen {
		if now.Sub(at) >= d.retention {
			delete(d.seen, key)
		}
	}
}
