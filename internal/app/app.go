// Package app wires the relay components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"clip_relay/internal/config"
	"clip_relay/internal/dedup"
	"clip_relay/internal/domain"
	"clip_relay/internal/media/ffmpeg"
	"clip_relay/internal/media/ytdlp"
	"clip_relay/internal/metrics"
	"clip_relay/internal/pipeline"
	"clip_relay/internal/queue"
	"clip_relay/internal/registry"
	"clip_relay/internal/reporting"
	"clip_relay/internal/scheduler"
	"clip_relay/internal/sessions"
	"clip_relay/internal/source/youtube"
	"clip_relay/internal/storage/postgres"
	"clip_relay/internal/subscription"
	"clip_relay/internal/upload"
	"clip_relay/internal/webhook"
)

// Options trims the wiring for one-shot commands.
type Options struct {
	// SkipBroker leaves outcome reporting on the log only.
	SkipBroker bool
}

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sqlx.DB
	broker  *reporting.RabbitMQ
	pending *postgres.PendingStore

	Metrics       *metrics.Metrics
	Registry      *registry.Registry
	Pool          *sessions.Pool
	Dedup         *dedup.Deduplicator
	Queue         *queue.Queue
	Scheduler     *scheduler.Scheduler
	Subscriptions *subscription.Manager
	Server        *webhook.Server
	Dispatcher    *pipeline.Dispatcher
	Items         *postgres.ItemStore
}

// New builds every component and restores markers, admissions and sessions.
// Pending events are only requeued by Run, so one-shot commands leave them
// in place.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(promRegistry)

	var (
		markerStore    registry.MarkerStore
		admissionStore dedup.AdmissionStore
		itemStore      pipeline.ItemStore
	)
	if cfg.Database.Enabled() {
		db, err := postgres.Open(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		a.db = db
		logger.Info("connected to database", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)

		markerStore = postgres.NewMarkerStore(db)
		admissionStore = postgres.NewAdmissionStore(db)
		a.Items = postgres.NewItemStore(db)
		itemStore = a.Items
		a.pending = postgres.NewPendingStore(db)
	} else {
		logger.Warn("database not configured, markers and admissions are kept in memory only")
	}

	reporters := reporting.Multi{reporting.NewLog(logger)}
	if cfg.RabbitMQ.URL != "" && !opts.SkipBroker {
		broker, err := reporting.NewRabbitMQ(reporting.Config{
			URL:           cfg.RabbitMQ.URL,
			Exchange:      cfg.RabbitMQ.Exchange,
			RoutingPrefix: cfg.RabbitMQ.RoutingPrefix,
			QueueName:     cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.broker = broker
		reporters = append(reporters, broker)
	}

	channels, bindings, realtime := channelsFromConfig(cfg)
	a.Registry = registry.New(channels, markerStore, logger)
	a.Pool = sessions.New(accountsFromConfig(cfg), proxiesFromConfig(cfg), bindings, logger)
	a.Dedup = dedup.New(cfg.Dedup.Retention, admissionStore, a.Metrics, logger)
	a.Queue = queue.New(a.Metrics)

	a.Subscriptions = subscription.New(subscription.Config{
		HubURL:         cfg.Hub.URL,
		TopicBaseURL:   cfg.Hub.TopicBaseURL,
		CallbackURL:    cfg.Server.CallbackURL,
		Secret:         cfg.Hub.Secret,
		LeaseDuration:  cfg.Hub.LeaseDuration,
		RenewBefore:    cfg.Hub.RenewBefore,
		VerifyTimeout:  cfg.Hub.VerifyTimeout,
		CheckInterval:  cfg.Hub.CheckInterval,
		RequestsPerSec: cfg.Hub.RequestsPerSec,
		Timeout:        cfg.Hub.Timeout,
	}, realtime, a.Metrics, logger)

	source := youtube.New(youtube.Config{
		FeedBaseURL:    cfg.Polling.FeedBaseURL,
		Timeout:        cfg.Polling.FetchTimeout,
		MaxAttempts:    cfg.Polling.Retry.MaxAttempts,
		InitialBackoff: cfg.Polling.Retry.InitialBackoff,
		MaxBackoff:     cfg.Polling.Retry.MaxBackoff,
	}, a.Pool, logger)

	a.Scheduler = scheduler.NewScheduler(scheduler.Config{
		MaxConcurrentFetches: cfg.Polling.MaxConcurrentFetches,
		FetchTimeout:         cfg.Polling.FetchTimeout,
		CoveredInterval:      cfg.Polling.CoveredInterval,
	}, a.Registry, source, a.Dedup, a.Queue, a.Subscriptions, a.Metrics, logger)

	a.Server = webhook.NewServer(webhook.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		HubSecret:    cfg.Hub.Secret,
		AdminSecret:  cfg.Server.AdminSecret,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, webhook.Deps{
		Channels:      a.Registry,
		Admitter:      a.Dedup,
		Queue:         a.Queue,
		Subscriptions: a.Subscriptions,
		Accounts:      a.Pool,
		Gatherer:      promRegistry,
		Metrics:       a.Metrics,
	}, logger)

	downloadDir := filepath.Join(cfg.Pipeline.WorkDir, "downloads")
	a.Dispatcher = pipeline.NewDispatcher(pipeline.Config{
		Workers:        cfg.Pipeline.Workers,
		FetchTimeout:   cfg.Pipeline.FetchTimeout,
		SplitTimeout:   cfg.Pipeline.SplitTimeout,
		PublishTimeout: cfg.Pipeline.PublishTimeout,
		MaxAttempts:    cfg.Pipeline.Retry.MaxAttempts,
		InitialBackoff: cfg.Pipeline.Retry.InitialBackoff,
		MaxBackoff:     cfg.Pipeline.Retry.MaxBackoff,
		Rules: domain.SplitRules{
			Parts:             cfg.Pipeline.Split.Parts,
			MaxPartDuration:   cfg.Pipeline.Split.MaxPartDuration,
			MinSourceDuration: cfg.Pipeline.Split.MinSourceDuration,
			MaxSourceDuration: cfg.Pipeline.Split.MaxSourceDuration,
			ExtendBelow:       cfg.Pipeline.Split.ExtendBelow,
			ExtendTo:          cfg.Pipeline.Split.ExtendTo,
		},
		TitleSuffix:   cfg.Upload.TitleSuffix,
		KeepArtifacts: cfg.Pipeline.KeepArtifacts,
	},
		a.Queue,
		ytdlp.New(ytdlp.Config{Binary: cfg.Tools.YtDlp, WorkDir: downloadDir}),
		ffmpeg.New(ffmpeg.Config{
			FFmpeg:  cfg.Tools.FFmpeg,
			FFprobe: cfg.Tools.FFprobe,
			WorkDir: filepath.Join(cfg.Pipeline.WorkDir, "clips"),
		}),
		upload.New(upload.Config{Endpoint: cfg.Upload.Endpoint}, logger),
		a.Pool,
		reporters,
		itemStore,
		a.Metrics,
		logger,
	)

	if err := a.restore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) restore(ctx context.Context) error {
	if err := a.Registry.Restore(ctx); err != nil {
		return fmt.Errorf("restore markers: %w", err)
	}
	if err := a.Dedup.Restore(ctx); err != nil {
		return fmt.Errorf("restore admissions: %w", err)
	}
	a.Pool.LoadAll()
	return nil
}

// requeuePending feeds events admitted before the last stop, and not yet
// archived, back into the queue.
func (a *App) requeuePending(ctx context.Context) error {
	if a.pending == nil {
		return nil
	}
	events, err := a.pending.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("restore pending events: %w", err)
	}
	for _, ev := range events {
		if err := a.Queue.Push(ev); err != nil {
			return fmt.Errorf("requeue pending event: %w", err)
		}
	}
	if len(events) > 0 {
		a.logger.Info("requeued pending events", "count", len(events))
	}
	return nil
}

// Run serves until ctx is canceled or a component fails. Discovery stops
// first; the pipeline then finishes the items it holds and whatever is still
// queued stays pending for the next start.
func (a *App) Run(ctx context.Context) error {
	if err := a.requeuePending(ctx); err != nil {
		return err
	}
	a.Dispatcher.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Scheduler.Start(gctx)
	})
	g.Go(func() error {
		return a.Server.Run(gctx)
	})
	g.Go(func() error {
		return a.Subscriptions.Start(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		a.logger.Error("component failed, shutting down", "error", err)
	}

	a.Queue.Close()
	a.Dispatcher.Stop()
	a.savePending()

	return err
}

// savePending makes sure every event still queued is pending. Most already
// are, written with their admission; this covers admissions whose write
// failed.
func (a *App) savePending() {
	events := a.Queue.Drain()
	if len(events) == 0 {
		return
	}
	if a.pending == nil {
		a.logger.Warn("dropping queued events, no database configured", "count", len(events))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.pending.SavePending(ctx, events); err != nil {
		a.logger.Error("failed to save queued events", "count", len(events), "error", err)
		return
	}
	a.logger.Info("queued events left pending for next start", "count", len(events))
}

func (a *App) Close() error {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

func channelsFromConfig(cfg *config.Config) ([]domain.Channel, []sessions.Binding, []string) {
	channels := make([]domain.Channel, 0, len(cfg.Channels))
	bindings := make([]sessions.Binding, 0, len(cfg.Channels))
	var realtime []string

	for _, c := range cfg.Channels {
		ch := domain.Channel{
			ID:        c.ID,
			Name:      c.Name,
			AccountID: c.Account,
			ProxyID:   c.Proxy,
			Interval:  c.Interval,
			Mode:      domain.Mode(c.Mode),
			Enabled:   c.IsEnabled(),
			Backfill:  c.Backfill,
		}
		channels = append(channels, ch)
		bindings = append(bindings, sessions.Binding{ChannelID: c.ID, AccountID: c.Account, ProxyID: c.Proxy})
		if ch.Mode == domain.ModeRealtime {
			realtime = append(realtime, c.ID)
		}
	}
	return channels, bindings, realtime
}

func accountsFromConfig(cfg *config.Config) []sessions.Account {
	accounts := make([]sessions.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, sessions.Account{ID: a.ID, SessionFile: a.SessionFile})
	}
	return accounts
}

func proxiesFromConfig(cfg *config.Config) []domain.EgressIdentity {
	proxies := make([]domain.EgressIdentity, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		proxies = append(proxies, domain.EgressIdentity{
			ID:       p.ID,
			Host:     p.Host,
			Port:     p.Port,
			Username: p.Username,
			Password: p.Password,
		})
	}
	return proxies
}
