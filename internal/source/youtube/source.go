// Package youtube lists a channel's recent uploads from its public Atom feed.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"clip_relay/internal/domain"
	"clip_relay/internal/feed"
	"clip_relay/internal/transport"
)

const maxFeedBytes = 4 << 20

type Config struct {
	FeedBaseURL    string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ProxyResolver returns the egress identity used for a channel.
type ProxyResolver interface {
	Proxy(channelID string) (*domain.EgressIdentity, error)
}

type Source struct {
	clients        *transport.Clients
	proxies        ProxyResolver
	feedBaseURL    string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

func New(cfg Config, proxies ProxyResolver, logger *slog.Logger) *Source {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Source{
		clients:        transport.NewClients(cfg.Timeout),
		proxies:        proxies,
		feedBaseURL:    cfg.FeedBaseURL,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         logger.With("source", "youtube"),
	}
}

// ListRecentUploads returns the channel's recent uploads, oldest first.
func (s *Source) ListRecentUploads(ctx context.Context, channelID string) ([]domain.Upload, error) {
	var proxy *domain.EgressIdentity
	if s.proxies != nil {
		p, err := s.proxies.Proxy(channelID)
		if err != nil {
			return nil, fmt.Errorf("resolve proxy: %w", err)
		}
		proxy = p
	}

	u, err := url.Parse(s.feedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("channel_id", channelID)
	u.RawQuery = q.Encode()

	var body []byte
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		body, err = s.doRequest(ctx, s.clients.For(proxy), u.String())
		if err == nil {
			break
		}
		if !domain.Classify(err).Retryable() || attempt == s.maxAttempts {
			return nil, fmt.Errorf("fetch feed for %s: %w", channelID, err)
		}

		backoff := transport.Backoff(s.initialBackoff, s.maxBackoff, attempt)
		s.logger.Warn("feed request failed, retrying",
			"channel_id", channelID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := transport.Sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	f, err := feed.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed for %s: %w", channelID, err)
	}

	uploads := make([]domain.Upload, 0, len(f.Entries))
	for _, e := range f.Entries {
		if e.ChannelID != "" && e.ChannelID != channelID {
			continue
		}
		uploads = append(uploads, e.Upload)
	}
	feed.SortOldestFirst(uploads)

	s.logger.Debug("fetched channel feed", "channel_id", channelID, "uploads", len(uploads), "proxy", proxy.String())
	return uploads, nil
}

func (s *Source) doRequest(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml, application/xml")
	req.Header.Set("User-Agent", "ClipRelay/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transport.StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", errors.Join(domain.ErrTransient, err))
	}
	return body, nil
}
