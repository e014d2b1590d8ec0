// Package registry holds the authoritative table of monitored channels.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"clip_relay/internal/domain"
)

// MarkerStore persists channel markers. Implementations must never move a
// stored marker backwards.
type MarkerStore interface {
	LoadMarkers(ctx context.Context) (map[string]domain.Marker, error)
	SaveMarker(ctx context.Context, channelID string, marker domain.Marker) error
	ResetMarker(ctx context.Context, channelID string, marker domain.Marker) error
}

type entry struct {
	mu      sync.Mutex
	channel domain.Channel
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	store   MarkerStore
	logger  *slog.Logger
}

// New builds a registry from channels in configuration order. store may be nil.
func New(channels []domain.Channel, store MarkerStore, logger *slog.Logger) *Registry {
	r := &Registry{
		entries: make(map[string]*entry, len(channels)),
		order:   make([]string, 0, len(channels)),
		store:   store,
		logger:  logger.With("component", "registry"),
	}
	for _, ch := range channels {
		if _, dup := r.entries[ch.ID]; dup {
			continue
		}
		r.entries[ch.ID] = &entry{channel: ch}
		r.order = append(r.order, ch.ID)
	}
	return r
}

// Restore loads persisted markers, keeping whichever of the configured and
// stored marker is further ahead.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	markers, err := r.store.LoadMarkers(ctx)
	if err != nil {
		return fmt.Errorf("load markers: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	restored := 0
	for id, marker := range markers {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.channel.Marker.Less(marker) {
			e.channel.Marker = marker
			restored++
		}
		e.mu.Unlock()
	}
	r.logger.Info("restored channel markers", "count", restored)
	return nil
}

// ListActive returns enabled channels in configuration order.
func (r *Registry) ListActive() []domain.Channel {
	return r.list(true)
}

// List returns every channel in configuration order.
func (r *Registry) List() []domain.Channel {
	return r.list(false)
}

func (r *Registry) list(activeOnly bool) []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Channel, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		e.mu.Lock()
		ch := e.channel
		e.mu.Unlock()
		if activeOnly && !ch.Enabled {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (r *Registry) Get(channelID string) (domain.Channel, error) {
	e, err := r.entry(channelID)
	if err != nil {
		return domain.Channel{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel, nil
}

// AdvanceMarker moves a channel's marker forward. A marker that is not
// strictly greater than the stored one is rejected with domain.ErrStaleUpdate.
func (r *Registry) AdvanceMarker(ctx context.Context, channelID string, marker domain.Marker) error {
	e, err := r.entry(channelID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	current := e.channel.Marker
	if !current.Less(marker) {
		e.mu.Unlock()
		r.logger.Error("rejected stale marker update",
			"channel_id", channelID,
			"current_video_id", current.VideoID,
			"current_published_at", current.PublishedAt,
			"new_video_id", marker.VideoID,
			"new_published_at", marker.PublishedAt,
		)
		return fmt.Errorf("advance marker for %s: %w", channelID, domain.ErrStaleUpdate)
	}
	e.channel.Marker = marker
	e.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveMarker(ctx, channelID, marker); err != nil {
			r.logger.Warn("failed to persist marker", "channel_id", channelID, "error", err)
		}
	}
	return nil
}

// ResetMarker explicitly rewinds or sets a marker. It is the only way to move
// a marker backwards.
func (r *Registry) ResetMarker(ctx context.Context, channelID string, marker domain.Marker) error {
	e, err := r.entry(channelID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.channel.Marker = marker
	e.mu.Unlock()

	r.logger.Warn("channel marker reset", "channel_id", channelID, "video_id", marker.VideoID)
	if r.store != nil {
		if err := r.store.ResetMarker(ctx, channelID, marker); err != nil {
			return fmt.Errorf("persist marker reset: %w", err)
		}
	}
	return nil
}

// SetEnabled toggles a channel. The scheduler observes the change on its
// next tick; in-flight pipeline items are unaffected.
func (r *Registry) SetEnabled(channelID string, enabled bool) error {
	e, err := r.entry(channelID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.channel.Enabled = enabled
	e.mu.Unlock()
	r.logger.Info("channel toggled", "channel_id", channelID, "enabled", enabled)
	return nil
}

func (r *Registry) entry(channelID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[channelID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrChannelNotFound, channelID)
	}
	return e, nil
}
