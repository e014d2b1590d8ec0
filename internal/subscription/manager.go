// Package subscription keeps WebSub hub subscriptions alive for realtime
// channels and tells the scheduler which channels the hub currently covers.
package subscription

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clip_relay/internal/metrics"
	"clip_relay/internal/transport"
)

type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StatePending      State = "pending"
	StateActive       State = "active"
	StateExpired      State = "expired"
)

type Config struct {
	HubURL         string
	TopicBaseURL   string
	CallbackURL    string
	Secret         string
	LeaseDuration  time.Duration
	RenewBefore    time.Duration
	VerifyTimeout  time.Duration
	CheckInterval  time.Duration
	RequestsPerSec float64
	Timeout        time.Duration
}

// Subscription is a snapshot of one channel's hub subscription.
type Subscription struct {
	ChannelID   string     `json:"channel_id"`
	Topic       string     `json:"topic"`
	State       State      `json:"state"`
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type subscription struct {
	channelID   string
	topic       string
	state       State
	leaseExpiry time.Time
	requestedAt time.Time
	// awaiting is the mode of an outstanding hub request whose verification
	// has not arrived yet.
	awaiting string
	// parked channels are not resubscribed by the renew loop.
	parked    bool
	lastError string
}

type Manager struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	subs    map[string]*subscription
	byTopic map[string]*subscription
	order   []string

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a manager for the given realtime channel ids.
func New(cfg Config, channelIDs []string, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	mgr := &Manager{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		subs:    make(map[string]*subscription, len(channelIDs)),
		byTopic: make(map[string]*subscription, len(channelIDs)),
		metrics: m,
		logger:  logger.With("component", "subscription"),
		now:     time.Now,
	}
	for _, id := range channelIDs {
		if _, dup := mgr.subs[id]; dup {
			continue
		}
		s := &subscription{channelID: id, topic: mgr.topic(id), state: StateUnsubscribed}
		mgr.subs[id] = s
		mgr.byTopic[s.topic] = s
		mgr.order = append(mgr.order, id)
	}
	return mgr
}

// Start subscribes every channel, then keeps leases renewed until ctx is
// canceled.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.order) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	m.logger.Info("subscription manager started", "channels", len(m.order), "hub", m.cfg.HubURL)

	m.check(ctx)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("subscription manager stopped")
			return ctx.Err()
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check expires stale leases and verifications, then (re)subscribes whatever
// needs it.
func (m *Manager) check(ctx context.Context) {
	now := m.now()
	var due []string

	m.mu.Lock()
	for _, id := range m.order {
		s := m.subs[id]
		if s.awaiting != "" && now.Sub(s.requestedAt) > m.cfg.VerifyTimeout {
			m.logger.Warn("hub verification timed out", "channel_id", id, "mode", s.awaiting)
			s.awaiting = ""
			s.lastError = "verification timed out"
			if s.state == StatePending {
				s.state = StateExpired
			}
		}
		if s.state == StateActive && !now.Before(s.leaseExpiry) {
			m.logger.Warn("hub lease expired", "channel_id", id)
			s.state = StateExpired
		}
		if s.parked || s.awaiting != "" {
			continue
		}
		switch s.state {
		case StateUnsubscribed, StateExpired:
			due = append(due, id)
		case StateActive:
			if s.leaseExpiry.Sub(now) <= m.cfg.RenewBefore {
				due = append(due, id)
			}
		}
	}
	m.mu.Unlock()
	m.publishMetrics()

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		if err := m.request(ctx, id, "subscribe"); err != nil {
			m.logger.Error("subscribe failed", "channel_id", id, "error", err)
		}
	}
}

// Subscribe sends a subscribe request for one channel and re-enables renewal.
func (m *Manager) Subscribe(ctx context.Context, channelID string) error {
	m.mu.Lock()
	s, ok := m.subs[channelID]
	if ok {
		s.parked = false
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s is not a realtime channel", channelID)
	}
	return m.request(ctx, channelID, "subscribe")
}

// Unsubscribe asks the hub to drop the channel and stops renewing it.
func (m *Manager) Unsubscribe(ctx context.Context, channelID string) error {
	m.mu.Lock()
	s, ok := m.subs[channelID]
	if ok {
		s.parked = true
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel %s is not a realtime channel", channelID)
	}
	return m.request(ctx, channelID, "unsubscribe")
}

func (m *Manager) request(ctx context.Context, channelID, mode string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for hub rate limit: %w", err)
	}

	m.mu.Lock()
	s := m.subs[channelID]
	s.awaiting = mode
	s.requestedAt = m.now()
	if mode == "subscribe" && s.state != StateActive {
		s.state = StatePending
	}
	topic := s.topic
	m.mu.Unlock()
	m.publishMetrics()

	form := url.Values{}
	form.Set("hub.callback", m.callback(channelID))
	form.Set("hub.topic", topic)
	form.Set("hub.mode", mode)
	form.Set("hub.verify", "async")
	if mode == "subscribe" && m.cfg.LeaseDuration > 0 {
		form.Set("hub.lease_seconds", strconv.Itoa(int(m.cfg.LeaseDuration.Seconds())))
	}
	if m.cfg.Secret != "" {
		form.Set("hub.secret", m.cfg.Secret)
	}

	err := m.post(ctx, form)
	if err != nil {
		m.mu.Lock()
		s.awaiting = ""
		s.lastError = err.Error()
		if mode == "subscribe" && s.state == StatePending {
			s.state = StateExpired
		}
		m.mu.Unlock()
		m.publishMetrics()
		return fmt.Errorf("%s %s: %w", mode, channelID, err)
	}

	m.logger.Debug("hub request accepted", "channel_id", channelID, "mode", mode)
	return nil
}

func (m *Manager) post(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.HubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &transport.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// Verify answers a hub verification request. It returns true only when the
// (mode, topic) pair matches a request this manager is waiting on.
func (m *Manager) Verify(mode, topic string, lease time.Duration) bool {
	ok := m.verify(mode, topic, lease)
	m.publishMetrics()
	return ok
}

func (m *Manager) verify(mode, topic string, lease time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byTopic[topic]
	if !ok || s.awaiting == "" || s.awaiting != mode {
		m.logger.Warn("unexpected hub verification", "mode", mode, "topic", topic)
		return false
	}

	s.awaiting = ""
	s.lastError = ""
	if mode == "unsubscribe" {
		s.state = StateUnsubscribed
		s.leaseExpiry = time.Time{}
		m.logger.Info("hub subscription removed", "channel_id", s.channelID)
		return true
	}

	if lease <= 0 {
		lease = m.cfg.LeaseDuration
	}
	s.state = StateActive
	s.leaseExpiry = m.now().Add(lease)
	m.logger.Info("hub subscription active", "channel_id", s.channelID, "lease", lease)
	return true
}

// Deny records a hub refusal for the topic.
func (m *Manager) Deny(topic, reason string) {
	m.mu.Lock()
	s, ok := m.byTopic[topic]
	if ok {
		s.state = StateExpired
		s.awaiting = ""
		s.lastError = "denied: " + reason
	}
	m.mu.Unlock()

	if ok {
		m.logger.Warn("hub denied subscription", "channel_id", s.channelID, "reason", reason)
		m.publishMetrics()
	}
}

// Covered reports whether the channel has an active, unexpired lease.
func (m *Manager) Covered(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[channelID]
	return ok && s.state == StateActive && m.now().Before(s.leaseExpiry)
}

// ChannelForTopic maps a hub topic back to its channel id.
func (m *Manager) ChannelForTopic(topic string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byTopic[topic]
	if !ok {
		return "", false
	}
	return s.channelID, true
}

func (m *Manager) Snapshot() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Subscription, 0, len(m.order))
	for _, id := range m.order {
		s := m.subs[id]
		snap := Subscription{ChannelID: id, Topic: s.topic, State: s.state, LastError: s.lastError}
		if !s.leaseExpiry.IsZero() {
			exp := s.leaseExpiry
			snap.LeaseExpiry = &exp
		}
		out = append(out, snap)
	}
	return out
}

func (m *Manager) publishMetrics() {
	counts := make(map[string]int)
	for _, s := range m.Snapshot() {
		counts[string(s.State)]++
	}
	m.metrics.Subscriptions(counts)
}

func (m *Manager) topic(channelID string) string {
	return m.cfg.TopicBaseURL + "?channel_id=" + url.QueryEscape(channelID)
}

func (m *Manager) callback(channelID string) string {
	return strings.TrimRight(m.cfg.CallbackURL, "/") + "/" + url.PathEscape(channelID)
}
