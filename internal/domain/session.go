package domain

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// EgressIdentity is an outbound proxy. Read-only after load.
type EgressIdentity struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
}

// URL renders the proxy as an http proxy URL. A nil identity yields nil.
func (e *EgressIdentity) URL() *url.URL {
	if e == nil || e.Host == "" {
		return nil
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String hides credentials.
func (e *EgressIdentity) String() string {
	if e == nil {
		return "direct"
	}
	return fmt.Sprintf("%s(%s:%d)", e.ID, e.Host, e.Port)
}

// Session is an authenticated handle for one destination account. The core
// never looks inside Token or Cookies.
type Session struct {
	AccountID string            `json:"account_id"`
	Token     string            `json:"token,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	IssuedAt  time.Time         `json:"issued_at"`
}

// SplitRules controls how a fetched artifact is cut into clips.
type SplitRules struct {
	Parts             int
	MaxPartDuration   time.Duration
	MinSourceDuration time.Duration
	MaxSourceDuration time.Duration // zero means unlimited
	// Sources shorter than ExtendBelow are looped from the start up to
	// ExtendTo before cutting. Zero disables it.
	ExtendBelow time.Duration
	ExtendTo    time.Duration
}

type Clip struct {
	Index int           `json:"index"`
	Path  string        `json:"path"`
	Title string        `json:"title"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Receipt is returned by the destination platform for one published clip.
type Receipt struct {
	RemoteID    string    `json:"remote_id"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}
