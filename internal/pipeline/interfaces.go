package pipeline

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"clip_relay/internal/domain"
	"clip_relay/internal/sessions"
)

// Intake yields admitted discovery events in admission order.
type Intake interface {
	Pop(ctx context.Context) (domain.DiscoveryEvent, error)
}

// Fetcher downloads a source video and returns the local artifact path.
type Fetcher interface {
	Download(ctx context.Context, videoID string, proxy *domain.EgressIdentity) (string, error)
}

// Splitter cuts an artifact into clips.
type Splitter interface {
	Split(ctx context.Context, artifact string, rules domain.SplitRules) ([]domain.Clip, error)
}

// Uploader publishes one clip to the destination account.
type Uploader interface {
	Upload(ctx context.Context, clip domain.Clip, session domain.Session, proxy *domain.EgressIdentity) (domain.Receipt, error)
}

type SessionPool interface {
	Acquire(ctx context.Context, channelID string) (*sessions.Lease, error)
	Invalidate(accountID string)
	Proxy(channelID string) (*domain.EgressIdentity, error)
}

type Reporter interface {
	Report(ctx context.Context, report domain.Report) error
}

// ItemStore archives terminal pipeline items.
type ItemStore interface {
	SaveItem(ctx context.Context, item *domain.PipelineItem) error
}
