package domain

import "time"

// ReportKind classifies a terminal pipeline outcome for reporting.
type ReportKind string

const (
	ReportPublished      ReportKind = "published"
	ReportFailed         ReportKind = "failed"
	ReportPartial        ReportKind = "partial"
	ReportReauthRequired ReportKind = "reauth_required"
)

// Report describes one pipeline item that reached a terminal state.
type Report struct {
	Kind       ReportKind    `json:"kind"`
	ItemID     string        `json:"item_id"`
	ChannelID  string        `json:"channel_id"`
	VideoID    string        `json:"video_id"`
	Title      string        `json:"title"`
	Path       DiscoveryPath `json:"path"`
	State      State         `json:"state"`
	Stage      State         `json:"stage,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	AccountID  string        `json:"account_id,omitempty"`
	Clips      []ClipOutcome `json:"clips,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}
