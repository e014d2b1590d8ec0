package domain

import "time"

// Mode selects how a channel is discovered.
type Mode string

const (
	ModePoll     Mode = "poll"
	ModeRealtime Mode = "realtime"
)

type Channel struct {
	ID        string // stable source-platform channel id, never the display name
	Name      string
	AccountID string
	ProxyID   string
	Interval  time.Duration
	Mode      Mode
	Enabled   bool
	Backfill  bool
	Marker    Marker
}

// Marker is the last-known-processed position of a channel. Markers are
// ordered by PublishedAt, ties broken by VideoID.
type Marker struct {
	PublishedAt time.Time `db:"published_at" json:"published_at"`
	VideoID     string    `db:"video_id" json:"video_id"`
}

func (m Marker) IsZero() bool {
	return m.PublishedAt.IsZero() && m.VideoID == ""
}

// Less reports whether m sorts strictly before other.
func (m Marker) Less(other Marker) bool {
	if !m.PublishedAt.Equal(other.PublishedAt) {
		return m.PublishedAt.Before(other.PublishedAt)
	}
	return m.VideoID < other.VideoID
}

// Upload is one entry of a channel's recent upload list.
type Upload struct {
	VideoID     string
	Title       string
	PublishedAt time.Time
}

func (u Upload) Marker() Marker {
	return Marker{PublishedAt: u.PublishedAt, VideoID: u.VideoID}
}
