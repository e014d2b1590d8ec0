package scheduler

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"clip_relay/internal/domain"
)

// Discoverer lists a channel's recent uploads.
type Discoverer interface {
	ListRecentUploads(ctx context.Context, channelID string) ([]domain.Upload, error)
}

// Coverage reports whether a channel is currently served by an active hub
// subscription, in which case it is polled at a reduced cadence.
type Coverage interface {
	Covered(channelID string) bool
}
