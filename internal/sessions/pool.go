// Package sessions owns destination-account sessions and egress proxies and
// serialises publishing per account.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"clip_relay/internal/domain"
)

type Account struct {
	ID          string
	SessionFile string
}

// Binding maps a channel to its destination account and egress proxy.
type Binding struct {
	ChannelID string
	AccountID string
	ProxyID   string
}

type account struct {
	id          string
	sessionFile string
	slot        chan struct{}
	session     *domain.Session
	invalid     bool
}

type Pool struct {
	mu       sync.Mutex
	accounts map[string]*account
	proxies  map[string]*domain.EgressIdentity
	bindings map[string]Binding
	logger   *slog.Logger
}

func New(accounts []Account, proxies []domain.EgressIdentity, bindings []Binding, logger *slog.Logger) *Pool {
	p := &Pool{
		accounts: make(map[string]*account, len(accounts)),
		proxies:  make(map[string]*domain.EgressIdentity, len(proxies)),
		bindings: make(map[string]Binding, len(bindings)),
		logger:   logger.With("component", "sessions"),
	}
	for _, a := range accounts {
		p.accounts[a.ID] = &account{
			id:          a.ID,
			sessionFile: a.SessionFile,
			slot:        make(chan struct{}, 1),
		}
	}
	for i := range proxies {
		px := proxies[i]
		p.proxies[px.ID] = &px
	}
	for _, b := range bindings {
		p.bindings[b.ChannelID] = b
	}
	return p
}

// LoadAll reads the session file of every account that has one. Accounts
// whose file is missing or unreadable stay unauthenticated.
func (p *Pool) LoadAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.accounts))
	for id, a := range p.accounts {
		if a.sessionFile != "" {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Reload(id); err != nil {
			p.logger.Warn("account has no usable session", "account_id", id, "error", err)
		}
	}
}

// Reload re-reads the account's session file and installs it.
func (p *Pool) Reload(accountID string) error {
	p.mu.Lock()
	a, ok := p.accounts[accountID]
	var path string
	if ok {
		path = a.sessionFile
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown account %q", accountID)
	}
	if path == "" {
		return fmt.Errorf("account %q has no session file", accountID)
	}

	session, err := LoadSessionFile(path)
	if err != nil {
		return err
	}
	return p.Login(accountID, session)
}

// Login installs a fresh session and clears the invalidation flag.
func (p *Pool) Login(accountID string, session domain.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.accounts[accountID]
	if !ok {
		return fmt.Errorf("unknown account %q", accountID)
	}
	session.AccountID = accountID
	if session.IssuedAt.IsZero() {
		session.IssuedAt = time.Now().UTC()
	}
	a.session = &session
	a.invalid = false

	p.logger.Info("account session installed", "account_id", accountID)
	return nil
}

// Lease holds an account's publish slot until Release is called.
type Lease struct {
	AccountID string
	Session   domain.Session
	Proxy     *domain.EgressIdentity

	once    sync.Once
	release func()
}

// Release frees the account slot. Calling it more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Acquire waits until the channel's destination account is free and returns
// its session with the channel's egress identity. It fails with
// domain.ErrAuthenticationRequired when the account has no valid session.
func (p *Pool) Acquire(ctx context.Context, channelID string) (*Lease, error) {
	p.mu.Lock()
	b, ok := p.bindings[channelID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrChannelNotFound, channelID)
	}
	a, ok := p.accounts[b.AccountID]
	if !ok {
		p.mu.Unlock()
		return nil, &AccountError{AccountID: b.AccountID, Err: fmt.Errorf("unknown account: %w", domain.ErrAuthenticationRequired)}
	}
	if err := a.usable(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	slot := a.slot
	p.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for account %s: %w", b.AccountID, ctx.Err())
	}

	p.mu.Lock()
	if err := a.usable(); err != nil {
		p.mu.Unlock()
		<-slot
		return nil, err
	}
	session := *a.session
	proxy := p.proxies[b.ProxyID]
	p.mu.Unlock()

	return &Lease{
		AccountID: b.AccountID,
		Session:   session,
		Proxy:     proxy,
		release:   func() { <-slot },
	}, nil
}

// Invalidate marks the account as needing re-authentication. Subsequent
// Acquire calls fail until Login.
func (p *Pool) Invalidate(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.accounts[accountID]
	if !ok || a.invalid {
		return
	}
	a.invalid = true
	p.logger.Warn("account invalidated, re-authentication required", "account_id", accountID)
}

func (p *Pool) InvalidateChannel(channelID string) {
	p.mu.Lock()
	b, ok := p.bindings[channelID]
	p.mu.Unlock()
	if ok {
		p.Invalidate(b.AccountID)
	}
}

// Proxy returns the channel's egress identity; nil means a direct connection.
func (p *Pool) Proxy(channelID string) (*domain.EgressIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bindings[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrChannelNotFound, channelID)
	}
	return p.proxies[b.ProxyID], nil
}

// AccountStatus is a read-only snapshot used by the status endpoint.
type AccountStatus struct {
	ID            string     `json:"id"`
	Authenticated bool       `json:"authenticated"`
	Invalidated   bool       `json:"invalidated"`
	Busy          bool       `json:"busy"`
	IssuedAt      *time.Time `json:"issued_at,omitempty"`
}

func (p *Pool) Status() []AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]AccountStatus, 0, len(p.accounts))
	for _, a := range p.accounts {
		st := AccountStatus{
			ID:            a.id,
			Authenticated: a.session != nil && !a.invalid,
			Invalidated:   a.invalid,
			Busy:          len(a.slot) > 0,
		}
		if a.session != nil {
			issued := a.session.IssuedAt
			st.IssuedAt = &issued
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *account) usable() error {
	switch {
	case a.invalid:
		return &AccountError{AccountID: a.id, Err: domain.ErrAuthenticationRequired}
	case a.session == nil:
		return &AccountError{AccountID: a.id, Err: fmt.Errorf("no session: %w", domain.ErrAuthenticationRequired)}
	}
	return nil
}

// AccountError names the destination account an Acquire failure refers to.
type AccountError struct {
	AccountID string
	Err       error
}

func (e *AccountError) Error() string {
	return "account " + e.AccountID + ": " + e.Err.Error()
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// LoadSessionFile reads a JSON session file.
func LoadSessionFile(path string) (domain.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Session{}, fmt.Errorf("read session file: %w", err)
	}
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Session{}, fmt.Errorf("parse session file %s: %w", path, err)
	}
	if s.Token == "" && len(s.Cookies) == 0 {
		return domain.Session{}, fmt.Errorf("session file %s: no token or cookies", path)
	}
	return s, nil
}
