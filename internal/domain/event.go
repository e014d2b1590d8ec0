package domain

import "time"

// DiscoveryPath names the way a video was detected.
type DiscoveryPath string

const (
	PathPoll    DiscoveryPath = "poll"
	PathWebhook DiscoveryPath = "webhook"
)

// DiscoveryEvent is immutable once created; pass it by value.
type DiscoveryEvent struct {
	ChannelID    string        `json:"channel_id" db:"channel_id"`
	VideoID      string        `json:"video_id" db:"video_id"`
	Title        string        `json:"title" db:"title"`
	PublishedAt  time.Time     `json:"published_at" db:"published_at"`
	DiscoveredAt time.Time     `json:"discovered_at" db:"discovered_at"`
	Path         DiscoveryPath `json:"path" db:"path"`
}

func NewDiscoveryEvent(channelID string, upload Upload, path DiscoveryPath) DiscoveryEvent {
	return DiscoveryEvent{
		ChannelID:    channelID,
		VideoID:      upload.VideoID,
		Title:        upload.Title,
		PublishedAt:  upload.PublishedAt,
		DiscoveredAt: time.Now().UTC(),
		Path:         path,
	}
}

// Key identifies the (channel, video) pair used for admission.
func (e DiscoveryEvent) Key() AdmissionKey {
	return AdmissionKey{ChannelID: e.ChannelID, VideoID: e.VideoID}
}

type AdmissionKey struct {
	ChannelID string `db:"channel_id"`
	VideoID   string `db:"video_id"`
}

// Admission is a persisted dedup record.
type Admission struct {
	AdmissionKey
	Path       DiscoveryPath `db:"path"`
	AdmittedAt time.Time     `db:"admitted_at"`
}
