// Package pipeline runs admitted discovery events through fetch, split and
// publish with a fixed number of workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"clip_relay/internal/domain"
	"clip_relay/internal/metrics"
	"clip_relay/internal/sessions"
	"clip_relay/internal/transport"
)

type Config struct {
	Workers        int
	FetchTimeout   time.Duration
	SplitTimeout   time.Duration
	PublishTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Rules          domain.SplitRules
	TitleSuffix    bool
	KeepArtifacts  bool
}

type Dispatcher struct {
	cfg      Config
	intake   Intake
	fetcher  Fetcher
	splitter Splitter
	uploader Uploader
	pool     SessionPool
	reporter Reporter
	items    ItemStore
	metrics  *metrics.Metrics
	logger   *slog.Logger

	newID func() string

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher wires the stage capabilities. reporter and items may be nil.
func NewDispatcher(
	cfg Config,
	intake Intake,
	fetcher Fetcher,
	splitter Splitter,
	uploader Uploader,
	pool SessionPool,
	reporter Reporter,
	items ItemStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		intake:   intake,
		fetcher:  fetcher,
		splitter: splitter,
		uploader: uploader,
		pool:     pool,
		reporter: reporter,
		items:    items,
		metrics:  m,
		logger:   logger.With("component", "pipeline"),
		newID:    func() string { return uuid.NewString() },
	}
}

// Start launches the workers and returns immediately. Cancelling ctx stops
// intake the same way Stop does; items already taken are finished.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	intakeCtx, cancel := context.WithCancel(ctx)
	d.stop = cancel
	// stage work must survive shutdown; each call carries its own timeout
	workCtx := context.WithoutCancel(ctx)

	d.logger.Info("starting pipeline", "workers", d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(intakeCtx, workCtx, i)
	}
}

// Stop stops taking new events and waits for in-flight items to reach a
// terminal state.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	stop := d.stop
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
	d.wg.Wait()
	d.logger.Info("pipeline stopped")
}

func (d *Dispatcher) worker(intakeCtx, workCtx context.Context, n int) {
	defer d.wg.Done()
	for {
		ev, err := d.intake.Pop(intakeCtx)
		if err != nil {
			d.logger.Debug("worker exiting", "worker", n, "reason", err)
			return
		}
		d.Process(workCtx, ev)
	}
}

// Process drives one event to a terminal state and returns the finished
// item.
func (d *Dispatcher) Process(ctx context.Context, ev domain.DiscoveryEvent) *domain.PipelineItem {
	item := domain.NewPipelineItem(d.newID(), ev)
	logger := d.logger.With("item_id", item.ID, "channel_id", ev.ChannelID, "video_id", ev.VideoID)
	logger.Info("processing video", "title", ev.Title, "path", ev.Path)

	defer d.cleanup(item, logger)

	accountID := d.run(ctx, item, logger)
	d.finish(ctx, item, accountID, logger)
	return item
}

func (d *Dispatcher) run(ctx context.Context, item *domain.PipelineItem, logger *slog.Logger) string {
	ev := item.Event

	proxy, err := d.pool.Proxy(ev.ChannelID)
	if err != nil {
		d.fail(item, domain.StateFetching, fmt.Errorf("resolve proxy: %w", err))
		return ""
	}

	// Fetch
	d.enter(item, domain.StateFetching)
	err = d.attempt(ctx, item, domain.StateFetching, d.cfg.FetchTimeout, logger, func(ctx context.Context) error {
		path, err := d.fetcher.Download(ctx, ev.VideoID, proxy)
		if err != nil {
			return err
		}
		item.ArtifactPath = path
		return nil
	})
	if err != nil {
		d.fail(item, domain.StateFetching, err)
		return ""
	}
	d.enter(item, domain.StateFetched)

	// Split
	d.enter(item, domain.StateSplitting)
	err = d.attempt(ctx, item, domain.StateSplitting, d.cfg.SplitTimeout, logger, func(ctx context.Context) error {
		clips, err := d.splitter.Split(ctx, item.ArtifactPath, d.cfg.Rules)
		if err != nil {
			return err
		}
		item.Clips = clips
		return nil
	})
	if err == nil && len(item.Clips) == 0 {
		err = fmt.Errorf("%w: split produced no clips", domain.ErrInvalidFormat)
	}
	if err != nil {
		d.fail(item, domain.StateSplitting, err)
		return ""
	}
	d.enter(item, domain.StateSplit)
	d.titleClips(item)

	// Publish
	d.enter(item, domain.StatePublishing)
	return d.publish(ctx, item, logger)
}

// publish uploads every clip in order. Clips are independent, except that an
// authentication failure stops the remaining uploads for the item.
func (d *Dispatcher) publish(ctx context.Context, item *domain.PipelineItem, logger *slog.Logger) string {
	var (
		accountID string
		firstErr  error
		authErr   error
	)

	item.Outcomes = make([]domain.ClipOutcome, 0, len(item.Clips))
	for _, clip := range item.Clips {
		outcome := domain.ClipOutcome{ClipIndex: clip.Index}

		if authErr != nil {
			outcome.Error = "skipped: " + authErr.Error()
			outcome.UpdatedAt = time.Now().UTC()
			item.Outcomes = append(item.Outcomes, outcome)
			d.metrics.Clip(false)
			continue
		}

		var receipt domain.Receipt
		// Waiting for the account slot is not bounded by the publish timeout;
		// only the upload itself is.
		err := d.attempt(ctx, item, domain.StatePublishing, 0, logger, func(ctx context.Context) error {
			lease, err := d.pool.Acquire(ctx, item.Event.ChannelID)
			if err != nil {
				var accErr *sessions.AccountError
				if errors.As(err, &accErr) {
					accountID = accErr.AccountID
				}
				return err
			}
			defer lease.Release()
			accountID = lease.AccountID

			uploadCtx, cancel := withTimeout(ctx, d.cfg.PublishTimeout)
			defer cancel()
			r, err := d.uploader.Upload(uploadCtx, clip, lease.Session, lease.Proxy)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		outcome.Attempts = item.Attempts
		outcome.UpdatedAt = time.Now().UTC()

		if err != nil {
			outcome.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			if domain.Classify(err) == domain.KindAuthentication {
				authErr = err
				if accountID != "" {
					d.pool.Invalidate(accountID)
				}
			}
			logger.Warn("clip publish failed", "clip", clip.Index, "error", err)
		} else {
			outcome.Published = true
			outcome.Receipt = &receipt
			logger.Info("clip published", "clip", clip.Index, "remote_id", receipt.RemoteID)
		}
		d.metrics.Clip(outcome.Published)
		item.Outcomes = append(item.Outcomes, outcome)
	}

	switch {
	case authErr != nil:
		d.fail(item, domain.StatePublishing, authErr)
	case firstErr != nil:
		d.fail(item, domain.StatePublishing, fmt.Errorf("published %d of %d clips: %w",
			item.PublishedClips(), len(item.Clips), firstErr))
	default:
		d.enter(item, domain.StatePublished)
	}
	return accountID
}

// attempt runs fn with the stage timeout, retrying transient failures with
// exponential backoff until MaxAttempts is reached.
func (d *Dispatcher) attempt(
	ctx context.Context,
	item *domain.PipelineItem,
	stage domain.State,
	timeout time.Duration,
	logger *slog.Logger,
	fn func(ctx context.Context) error,
) error {
	for attempt := 1; ; attempt++ {
		item.Attempts = attempt

		callCtx, cancel := withTimeout(ctx, timeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()
		d.metrics.StageDuration(string(stage), time.Since(start))

		if err == nil {
			return nil
		}
		if !domain.Classify(err).Retryable() || attempt >= d.cfg.MaxAttempts {
			return err
		}

		backoff := transport.Backoff(d.cfg.InitialBackoff, d.cfg.MaxBackoff, attempt)
		logger.Warn("stage failed, retrying",
			"stage", stage,
			"attempt", attempt,
			"max_attempts", d.cfg.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)
		d.metrics.Retry(string(stage))
		d.enter(item, domain.StateRetrying)
		if err := transport.Sleep(ctx, backoff); err != nil {
			return err
		}
		d.enter(item, stage)
		item.Attempts = attempt
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (d *Dispatcher) enter(item *domain.PipelineItem, to domain.State) {
	if item.State == to {
		return
	}
	if err := item.Transition(to, ""); err != nil {
		d.logger.Error("state machine violation", "item_id", item.ID, "error", err)
	}
}

func (d *Dispatcher) fail(item *domain.PipelineItem, stage domain.State, err error) {
	item.Fail(stage, domain.Classify(err), err.Error())
}

func (d *Dispatcher) titleClips(item *domain.PipelineItem) {
	title := item.Event.Title
	if title == "" {
		title = item.Event.VideoID
	}
	n := len(item.Clips)
	for i := range item.Clips {
		item.Clips[i].Title = title
		if d.cfg.TitleSuffix && n > 1 {
			item.Clips[i].Title = fmt.Sprintf("%s (%d/%d)", title, item.Clips[i].Index, n)
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, item *domain.PipelineItem, accountID string, logger *slog.Logger) {
	report := domain.Report{
		ItemID:     item.ID,
		ChannelID:  item.Event.ChannelID,
		VideoID:    item.Event.VideoID,
		Title:      item.Event.Title,
		Path:       item.Event.Path,
		State:      item.State,
		AccountID:  accountID,
		Clips:      item.Outcomes,
		FinishedAt: item.UpdatedAt,
	}

	switch {
	case item.State == domain.StatePublished:
		report.Kind = domain.ReportPublished
		logger.Info("video published", "clips", len(item.Outcomes))
	case item.ErrorKind == domain.KindAuthentication:
		report.Kind = domain.ReportReauthRequired
		logger.Error("re-authentication required", "account_id", accountID, "reason", item.Reason)
	case item.PublishedClips() > 0:
		report.Kind = domain.ReportPartial
		logger.Error("video partially published",
			"published", item.PublishedClips(), "clips", len(item.Clips), "reason", item.Reason)
	default:
		report.Kind = domain.ReportFailed
		logger.Error("video failed", "stage", item.Stage, "error_kind", item.ErrorKind, "reason", item.Reason)
	}
	if item.State == domain.StateFailed {
		report.Stage = item.Stage
		report.ErrorKind = item.ErrorKind
		report.Reason = item.Reason
	}

	stage := ""
	if item.State == domain.StateFailed {
		stage = string(item.Stage)
	}
	d.metrics.ItemFinished(string(item.State), stage)

	if d.items != nil {
		saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.items.SaveItem(saveCtx, item); err != nil {
			logger.Warn("failed to archive item", "error", err)
		}
		cancel()
	}
	if d.reporter != nil {
		reportCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.reporter.Report(reportCtx, report); err != nil {
			logger.Warn("failed to report outcome", "error", err)
		}
		cancel()
	}
}

func (d *Dispatcher) cleanup(item *domain.PipelineItem, logger *slog.Logger) {
	if d.cfg.KeepArtifacts {
		return
	}
	paths := make([]string, 0, len(item.Clips)+1)
	for _, c := range item.Clips {
		paths = append(paths, c.Path)
	}
	if item.ArtifactPath != "" {
		paths = append(paths, item.ArtifactPath)
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove work file", "path", p, "error", err)
		}
	}
}
