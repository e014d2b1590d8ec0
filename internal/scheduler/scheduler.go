// Package scheduler polls every registered channel on its own interval and
// feeds newly seen uploads through admission into the pipeline queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"clip_relay/internal/domain"
	"clip_relay/internal/metrics"
)

type Registry interface {
	List() []domain.Channel
	ListActive() []domain.Channel
	Get(channelID string) (domain.Channel, error)
	AdvanceMarker(ctx context.Context, channelID string, marker domain.Marker) error
}

type Admitter interface {
	TryAdmit(ev domain.DiscoveryEvent) bool
	Horizon() time.Time
}

type Enqueuer interface {
	Push(ev domain.DiscoveryEvent) error
}

type Config struct {
	MaxConcurrentFetches int
	FetchTimeout         time.Duration
	// CoveredInterval is the minimum time between polls of a channel served
	// by an active hub subscription. It must stay below the dedup retention.
	CoveredInterval time.Duration
}

// Result describes one poll of one channel.
type Result struct {
	ChannelID  string
	Skipped    string
	Fetched    int
	New        []domain.Upload
	Admitted   int
	Duplicates int
	Stale      int
	Baseline   bool
	Err        error
}

type Scheduler struct {
	registry     Registry
	discoverer   Discoverer
	admitter     Admitter
	queue        Enqueuer
	coverage     Coverage
	sem          *semaphore.Weighted
	fetchTimeout time.Duration
	coveredEvery time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu    sync.Mutex
	state map[string]*channelState
}

type channelState struct {
	lastPoll   time.Time
	wasCovered bool
}

// NewScheduler wires the scheduler. coverage may be nil when no channel uses
// realtime mode.
func NewScheduler(
	cfg Config,
	registry Registry,
	discoverer Discoverer,
	admitter Admitter,
	queue Enqueuer,
	coverage Coverage,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Scheduler {
	if cfg.MaxConcurrentFetches < 1 {
		cfg.MaxConcurrentFetches = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if cfg.CoveredInterval <= 0 {
		cfg.CoveredInterval = 30 * time.Minute
	}
	return &Scheduler{
		registry:     registry,
		discoverer:   discoverer,
		admitter:     admitter,
		queue:        queue,
		coverage:     coverage,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentFetches)),
		fetchTimeout: cfg.FetchTimeout,
		coveredEvery: cfg.CoveredInterval,
		metrics:      m,
		logger:       logger.With("component", "scheduler"),
		state:        make(map[string]*channelState),
	}
}

// Start runs one loop per registered channel until ctx is canceled. Disabled
// channels keep their loop but are skipped on every tick, so re-enabling a
// channel takes effect on its next tick.
func (s *Scheduler) Start(ctx context.Context) error {
	channels := s.registry.List()
	s.logger.Info("scheduler started", "channels", len(channels))

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			s.runChannel(ctx, ch)
		}(ch)
	}
	wg.Wait()

	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) runChannel(ctx context.Context, ch domain.Channel) {
	s.tick(ctx, ch.ID)

	ticker := time.NewTicker(ch.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, ch.ID)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, channelID string) {
	res := s.poll(ctx, channelID, false)
	switch {
	case res.Err != nil:
		if !errors.Is(res.Err, context.Canceled) {
			s.logger.Error("poll failed", "channel_id", channelID, "error", res.Err)
		}
	case res.Skipped != "":
		s.logger.Debug("poll skipped", "channel_id", channelID, "reason", res.Skipped)
	case res.Baseline:
		s.logger.Info("channel baseline set", "channel_id", channelID, "uploads", res.Fetched)
	case res.Admitted > 0 || res.Duplicates > 0 || res.Stale > 0:
		s.logger.Info("poll completed",
			"channel_id", channelID,
			"fetched", res.Fetched,
			"new", len(res.New),
			"admitted", res.Admitted,
			"duplicates", res.Duplicates,
			"stale", res.Stale,
		)
	}
}

// RunOnce polls every active channel once and returns the per-channel
// results in configuration order. With dryRun nothing is admitted and no
// marker moves.
func (s *Scheduler) RunOnce(ctx context.Context, dryRun bool) []Result {
	channels := s.registry.ListActive()
	results := make([]Result, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = s.poll(ctx, id, dryRun)
		}(i, ch.ID)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) poll(ctx context.Context, channelID string, dryRun bool) Result {
	res := Result{ChannelID: channelID}

	ch, err := s.registry.Get(channelID)
	if err != nil {
		res.Err = err
		return res
	}
	if !ch.Enabled {
		res.Skipped = "disabled"
		s.metrics.Poll("skipped", 0)
		return res
	}
	// A covered channel is still polled, less often, so its marker keeps up
	// with webhook admissions. Uploads older than the dedup horizon are only
	// skipped while coverage is or was in effect: the webhook path may have
	// admitted them already and its records can have expired.
	covered := s.coverage != nil && s.coverage.Covered(channelID)
	cutoff, due := s.observe(channelID, covered, time.Now())
	if !due {
		res.Skipped = "covered by hub subscription"
		s.metrics.Poll("skipped", 0)
		return res
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		res.Err = err
		return res
	}
	started := time.Now()
	uploads, err := s.fetch(ctx, channelID)
	s.sem.Release(1)
	if err != nil {
		s.metrics.Poll("error", time.Since(started))
		res.Err = fmt.Errorf("list recent uploads: %w", err)
		return res
	}
	s.metrics.Poll("ok", time.Since(started))

	res.Fetched = len(uploads)
	if len(uploads) == 0 {
		s.polled(channelID, covered, dryRun)
		return res
	}

	sort.SliceStable(uploads, func(i, j int) bool {
		return uploads[i].Marker().Less(uploads[j].Marker())
	})

	if ch.Marker.IsZero() && !ch.Backfill {
		res.Baseline = true
		if !dryRun {
			res.Err = s.advance(ctx, channelID, uploads[len(uploads)-1].Marker())
			s.polled(channelID, covered, res.Err != nil)
		}
		return res
	}

	var horizon time.Time
	if cutoff {
		horizon = s.admitter.Horizon()
	}

	newest := ch.Marker
	for _, u := range uploads {
		if !ch.Marker.Less(u.Marker()) {
			continue
		}
		newest = u.Marker()
		if cutoff && u.PublishedAt.Before(horizon) {
			res.Stale++
			continue
		}
		res.New = append(res.New, u)
		if dryRun {
			continue
		}

		ev := domain.NewDiscoveryEvent(channelID, u, domain.PathPoll)
		if !s.admitter.TryAdmit(ev) {
			res.Duplicates++
			continue
		}
		if err := s.queue.Push(ev); err != nil {
			res.Err = fmt.Errorf("enqueue %s: %w", u.VideoID, err)
			return res
		}
		res.Admitted++
	}

	if dryRun {
		return res
	}
	if ch.Marker.Less(newest) {
		res.Err = s.advance(ctx, channelID, newest)
	}
	s.polled(channelID, covered, res.Err != nil)
	return res
}

// observe records the coverage seen at this tick and reports whether the
// horizon cutoff applies and whether the channel is due for a poll.
func (s *Scheduler) observe(channelID string, covered bool, now time.Time) (cutoff, due bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[channelID]
	if !ok {
		st = &channelState{}
		s.state[channelID] = st
	}
	if covered {
		st.wasCovered = true
	}
	due = !covered || st.lastPoll.IsZero() || now.Sub(st.lastPoll) >= s.coveredEvery
	return st.wasCovered, due
}

// polled marks a completed poll. The cutoff stays armed after coverage ends
// until one uncovered poll has caught the marker up.
func (s *Scheduler) polled(channelID string, covered, skip bool) {
	if skip {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state[channelID]
	if st == nil {
		return
	}
	st.lastPoll = time.Now()
	if !covered {
		st.wasCovered = false
	}
}

func (s *Scheduler) fetch(ctx context.Context, channelID string) ([]domain.Upload, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.discoverer.ListRecentUploads(fetchCtx, channelID)
}

func (s *Scheduler) advance(ctx context.Context, channelID string, marker domain.Marker) error {
	err := s.registry.AdvanceMarker(ctx, channelID, marker)
	if errors.Is(err, domain.ErrStaleUpdate) {
		// another poll of the same channel got there first
		return nil
	}
	return err
}
