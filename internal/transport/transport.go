// Package transport holds the HTTP plumbing shared by the feed, hub and
// upload clients: per-proxy clients, status classification and backoff.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"clip_relay/internal/domain"
)

// Clients hands out one http.Client per egress identity.
type Clients struct {
	mu      sync.Mutex
	timeout time.Duration
	clients map[string]*http.Client
}

func NewClients(timeout time.Duration) *Clients {
	return &Clients{
		timeout: timeout,
		clients: make(map[string]*http.Client),
	}
}

// For returns the client routing through proxy; nil proxy means direct.
func (c *Clients) For(proxy *domain.EgressIdentity) *http.Client {
	key := ""
	if proxy != nil {
		key = proxy.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if u := proxy.URL(); u != nil {
		tr.Proxy = http.ProxyURL(u)
	}
	cl := &http.Client{Timeout: c.timeout, Transport: tr}
	c.clients[key] = cl
	return cl
}

// StatusError is a non-success HTTP response mapped onto the failure
// taxonomy through Unwrap.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusRequestTimeout, e.Code >= 500:
		return domain.ErrTransient
	case e.Code == http.StatusUnauthorized, e.Code == http.StatusForbidden:
		return domain.ErrAuthentication
	case e.Code == http.StatusNotFound, e.Code == http.StatusGone:
		return domain.ErrNotFoundOrRemoved
	case e.Code == http.StatusBadRequest, e.Code == http.StatusUnprocessableEntity, e.Code == http.StatusRequestEntityTooLarge:
		return domain.ErrInvalidFormat
	}
	return nil
}

// Backoff returns initial * 2^(attempt-1), capped at max.
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		backoff = max
	}
	return backoff
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
