// Package webhook serves the hub callback, the status endpoints and the small
// admin API.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clip_relay/internal/domain"
	"clip_relay/internal/feed"
	"clip_relay/internal/metrics"
	"clip_relay/internal/sessions"
	"clip_relay/internal/subscription"
)

const maxNotificationBytes = 1 << 20

type Channels interface {
	List() []domain.Channel
	Get(channelID string) (domain.Channel, error)
	SetEnabled(channelID string, enabled bool) error
	ResetMarker(ctx context.Context, channelID string, marker domain.Marker) error
}

type Admitter interface {
	TryAdmit(ev domain.DiscoveryEvent) bool
	Horizon() time.Time
	Len() int
}

type Enqueuer interface {
	Push(ev domain.DiscoveryEvent) error
	Len() int
}

type Subscriptions interface {
	Verify(mode, topic string, lease time.Duration) bool
	Deny(topic, reason string)
	ChannelForTopic(topic string) (string, bool)
	Snapshot() []subscription.Subscription
	Subscribe(ctx context.Context, channelID string) error
	Unsubscribe(ctx context.Context, channelID string) error
}

type Accounts interface {
	Reload(accountID string) error
	Status() []sessions.AccountStatus
}

type Config struct {
	ListenAddr   string
	HubSecret    string
	AdminSecret  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Deps struct {
	Channels      Channels
	Admitter      Admitter
	Queue         Enqueuer
	Subscriptions Subscriptions
	Accounts      Accounts
	Gatherer      prometheus.Gatherer
	Metrics       *metrics.Metrics
}

type Server struct {
	cfg     Config
	deps    Deps
	engine  *gin.Engine
	started time.Time
	logger  *slog.Logger
}

func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		engine:  gin.New(),
		started: time.Now(),
		logger:  logger.With("component", "webhook"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/status", s.status)
	if s.deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	s.engine.GET("/websub", s.verify)
	s.engine.GET("/websub/:channel", s.verify)
	s.engine.POST("/websub", s.notify)
	s.engine.POST("/websub/:channel", s.notify)

	admin := s.engine.Group("/admin", adminAuth(s.cfg.AdminSecret))
	admin.POST("/accounts/:id/login", s.login)
	admin.POST("/channels/:id/enable", s.toggle(true))
	admin.POST("/channels/:id/disable", s.toggle(false))
	admin.POST("/channels/:id/reset", s.reset)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown webhook server: %w", err)
	}
	s.logger.Info("webhook server stopped")
	return nil
}

// verify answers hub intent verification and denial callbacks.
func (s *Server) verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	topic := c.Query("hub.topic")

	if mode == "denied" {
		s.deps.Subscriptions.Deny(topic, c.Query("hub.reason"))
		c.Status(http.StatusOK)
		return
	}

	var lease time.Duration
	if v := c.Query("hub.lease_seconds"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			lease = time.Duration(secs) * time.Second
		}
	}

	if !s.deps.Subscriptions.Verify(mode, topic, lease) {
		c.Status(http.StatusNotFound)
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

// notify admits the videos announced by a hub notification. It never runs
// pipeline work and always acknowledges, so the hub does not redeliver.
func (s *Server) notify(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
	if err != nil {
		s.logger.Warn("failed to read notification", "error", err)
		s.deps.Metrics.Notification("read_error")
		c.Status(http.StatusBadRequest)
		return
	}

	if s.cfg.HubSecret != "" && !validSignature(s.cfg.HubSecret, body, c.GetHeader("X-Hub-Signature")) {
		s.logger.Warn("dropping notification with bad signature", "remote", c.ClientIP())
		s.deps.Metrics.Notification("bad_signature")
		c.Status(http.StatusNoContent)
		return
	}

	f, err := feed.Parse(body)
	if err != nil {
		s.logger.Warn("failed to parse notification", "error", err)
		s.deps.Metrics.Notification("invalid")
		c.Status(http.StatusNoContent)
		return
	}

	for _, t := range f.Tombstones {
		s.logger.Info("video removed upstream, ignoring", "channel_id", t.ChannelID, "video_id", t.VideoID)
	}

	fallback := c.Param("channel")
	if fallback == "" {
		if id, ok := s.deps.Subscriptions.ChannelForTopic(topicFromLink(c)); ok {
			fallback = id
		}
	}

	for _, e := range f.Entries {
		channelID := e.ChannelID
		if channelID == "" {
			channelID = fallback
		}
		s.deps.Metrics.Notification(s.admit(channelID, e))
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) admit(channelID string, e feed.Entry) string {
	logger := s.logger.With("channel_id", channelID, "video_id", e.VideoID)

	ch, err := s.deps.Channels.Get(channelID)
	if err != nil {
		logger.Debug("notification for unknown channel")
		return "unknown_channel"
	}
	if !ch.Enabled {
		logger.Debug("notification for disabled channel")
		return "disabled"
	}
	if e.PublishedAt.Before(s.deps.Admitter.Horizon()) {
		logger.Debug("notification older than dedup horizon", "published_at", e.PublishedAt)
		return "stale"
	}
	if !ch.Marker.Less(e.Upload.Marker()) {
		logger.Debug("notification at or behind channel marker")
		return "behind_marker"
	}

	ev := domain.NewDiscoveryEvent(channelID, e.Upload, domain.PathWebhook)
	if !s.deps.Admitter.TryAdmit(ev) {
		return "duplicate"
	}
	if err := s.deps.Queue.Push(ev); err != nil {
		logger.Error("failed to enqueue admitted event", "error", err)
		return "enqueue_error"
	}
	logger.Info("video admitted from hub notification", "title", e.Title)
	return "admitted"
}

type statusResponse struct {
	Uptime        string                      `json:"uptime"`
	QueueLength   int                         `json:"queue_length"`
	DedupEntries  int                         `json:"dedup_entries"`
	Channels      []channelStatus             `json:"channels"`
	Subscriptions []subscription.Subscription `json:"subscriptions"`
	Accounts      []sessions.AccountStatus    `json:"accounts"`
}

type channelStatus struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Mode     domain.Mode   `json:"mode"`
	Enabled  bool          `json:"enabled"`
	Interval string        `json:"interval"`
	Marker   domain.Marker `json:"marker"`
}

func (s *Server) status(c *gin.Context) {
	resp := statusResponse{
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		QueueLength:   s.deps.Queue.Len(),
		DedupEntries:  s.deps.Admitter.Len(),
		Subscriptions: s.deps.Subscriptions.Snapshot(),
		Accounts:      s.deps.Accounts.Status(),
	}
	for _, ch := range s.deps.Channels.List() {
		resp.Channels = append(resp.Channels, channelStatus{
			ID:       ch.ID,
			Name:     ch.Name,
			Mode:     ch.Mode,
			Enabled:  ch.Enabled,
			Interval: ch.Interval.String(),
			Marker:   ch.Marker,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) login(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Accounts.Reload(id); err != nil {
		s.logger.Warn("account re-login failed", "account_id", id, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "status": "authenticated"})
}

func (s *Server) toggle(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.deps.Channels.SetEnabled(id, enabled); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		ch, _ := s.deps.Channels.Get(id)
		if ch.Mode == domain.ModeRealtime {
			var err error
			if enabled {
				err = s.deps.Subscriptions.Subscribe(c.Request.Context(), id)
			} else {
				err = s.deps.Subscriptions.Unsubscribe(c.Request.Context(), id)
			}
			if err != nil {
				s.logger.Warn("hub request after toggle failed", "channel_id", id, "error", err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"channel_id": id, "enabled": enabled})
	}
}

type resetRequest struct {
	VideoID     string    `json:"video_id"`
	PublishedAt time.Time `json:"published_at"`
}

func (s *Server) reset(c *gin.Context) {
	id := c.Param("id")
	var req resetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	marker := domain.Marker{VideoID: req.VideoID, PublishedAt: req.PublishedAt.UTC()}
	if err := s.deps.Channels.ResetMarker(c.Request.Context(), id, marker); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrChannelNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": id, "marker": marker})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// topicFromLink extracts the hub topic from the Link header a hub sends with
// each notification.
func topicFromLink(c *gin.Context) string {
	for _, v := range c.Request.Header.Values("Link") {
		for _, part := range splitLinks(v) {
			if part.rel == "self" {
				return part.url
			}
		}
	}
	return ""
}
