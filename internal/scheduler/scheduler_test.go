package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"clip_relay/internal/dedup"
	"clip_relay/internal/domain"
	"clip_relay/internal/queue"
	"clip_relay/internal/registry"
	"clip_relay/internal/scheduler/mocks"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func upload(id string, minutes int) domain.Upload {
	return domain.Upload{VideoID: id, Title: "video " + id, PublishedAt: base.Add(time.Duration(minutes) * time.Minute)}
}

type SchedulerTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	discoverer *mocks.MockDiscoverer
	coverage   *mocks.MockCoverage

	registry  *registry.Registry
	dedup     *dedup.Deduplicator
	queue     *queue.Queue
	scheduler *Scheduler
	logger    *slog.Logger
}

func (s *SchedulerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.discoverer = mocks.NewMockDiscoverer(s.ctrl)
	s.coverage = mocks.NewMockCoverage(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	s.registry = registry.New([]domain.Channel{
		{ID: "C", Enabled: true, Interval: time.Minute, Marker: upload("V10", 10).Marker()},
		{ID: "fresh", Enabled: true, Interval: time.Minute},
		{ID: "off", Enabled: false, Interval: time.Minute},
	}, nil, s.logger)
	s.dedup = dedup.New(time.Hour, nil, nil, s.logger)
	s.queue = queue.New(nil)

	s.scheduler = NewScheduler(
		Config{MaxConcurrentFetches: 2, FetchTimeout: time.Second},
		s.registry, s.discoverer, s.dedup, s.queue, s.coverage, nil, s.logger,
	)

	s.coverage.EXPECT().Covered(gomock.Any()).Return(false).AnyTimes()
}

func (s *SchedulerTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) drain() []string {
	var ids []string
	for _, ev := range s.queue.Drain() {
		ids = append(ids, ev.VideoID)
	}
	return ids
}

func (s *SchedulerTestSuite) TestPoll_NewUploadsAdmittedInOrder() {
	ctx := context.Background()
	// source returns newest first; admission must still happen oldest first
	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return([]domain.Upload{upload("V12", 12), upload("V11", 11), upload("V10", 10), upload("V9", 9)}, nil)

	res := s.scheduler.poll(ctx, "C", false)

	s.Require().NoError(res.Err)
	s.Equal(2, res.Admitted)
	s.Equal([]string{"V11", "V12"}, s.drain())

	ch, err := s.registry.Get("C")
	s.Require().NoError(err)
	s.Equal(upload("V12", 12).Marker(), ch.Marker)
}

func (s *SchedulerTestSuite) TestPoll_WebhookAlreadyAdmitted() {
	ctx := context.Background()
	s.Require().True(s.dedup.TryAdmit(domain.NewDiscoveryEvent("C", upload("V12", 12), domain.PathWebhook)))

	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return([]domain.Upload{upload("V11", 11), upload("V12", 12)}, nil)

	res := s.scheduler.poll(ctx, "C", false)

	s.Require().NoError(res.Err)
	s.Equal(1, res.Admitted)
	s.Equal(1, res.Duplicates)
	s.Equal([]string{"V11"}, s.drain())

	ch, _ := s.registry.Get("C")
	s.Equal("V12", ch.Marker.VideoID, "marker still advances past duplicates")
}

func (s *SchedulerTestSuite) TestPoll_NothingNew() {
	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return([]domain.Upload{upload("V9", 9), upload("V10", 10)}, nil)

	res := s.scheduler.poll(context.Background(), "C", false)

	s.Require().NoError(res.Err)
	s.Empty(res.New)
	s.Empty(s.drain())
}

func (s *SchedulerTestSuite) TestPoll_FetchErrorKeepsMarker() {
	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return(nil, errors.New("connection reset"))

	res := s.scheduler.poll(context.Background(), "C", false)

	s.Error(res.Err)
	ch, _ := s.registry.Get("C")
	s.Equal("V10", ch.Marker.VideoID)
}

func (s *SchedulerTestSuite) TestPoll_BaselineWithoutBackfill() {
	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "fresh").
		Return([]domain.Upload{upload("A", 1), upload("B", 2)}, nil)

	res := s.scheduler.poll(context.Background(), "fresh", false)

	s.Require().NoError(res.Err)
	s.True(res.Baseline)
	s.Empty(s.drain())
	ch, _ := s.registry.Get("fresh")
	s.Equal("B", ch.Marker.VideoID)
}

func (s *SchedulerTestSuite) TestPoll_DisabledChannelSkipped() {
	res := s.scheduler.poll(context.Background(), "off", false)
	s.Equal("disabled", res.Skipped)
}

func (s *SchedulerTestSuite) TestPoll_CoveredChannelPolledAtReducedCadence() {
	coverage := mocks.NewMockCoverage(s.ctrl)
	coverage.EXPECT().Covered("C").Return(true).Times(2)
	sched := NewScheduler(Config{MaxConcurrentFetches: 1, FetchTimeout: time.Second, CoveredInterval: time.Hour},
		s.registry, s.discoverer, s.dedup, s.queue, coverage, nil, s.logger)

	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return([]domain.Upload{upload("V11", 11)}, nil).Times(1)

	first := sched.poll(context.Background(), "C", false)
	s.Require().NoError(first.Err)
	s.Empty(first.Skipped)

	second := sched.poll(context.Background(), "C", false)
	s.Equal("covered by hub subscription", second.Skipped)
}

func (s *SchedulerTestSuite) TestPoll_CoverageLapseDoesNotReadmitWebhookVideos() {
	ctx := context.Background()
	shortDedup := dedup.New(50*time.Millisecond, nil, nil, s.logger)

	covered := true
	coverage := mocks.NewMockCoverage(s.ctrl)
	coverage.EXPECT().Covered("C").DoAndReturn(func(string) bool { return covered }).AnyTimes()
	sched := NewScheduler(Config{MaxConcurrentFetches: 1, FetchTimeout: time.Second, CoveredInterval: time.Hour},
		s.registry, s.discoverer, shortDedup, s.queue, coverage, nil, s.logger)

	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return([]domain.Upload{upload("V10", 10)}, nil)
	s.Require().NoError(sched.poll(ctx, "C", false).Err)

	// the hub delivers V11 while the cadence keeps the channel from being polled
	s.Require().True(shortDedup.TryAdmit(domain.NewDiscoveryEvent("C", upload("V11", 11), domain.PathWebhook)))
	s.Equal("covered by hub subscription", sched.poll(ctx, "C", false).Skipped)

	time.Sleep(120 * time.Millisecond)
	covered = false

	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return([]domain.Upload{upload("V10", 10), upload("V11", 11)}, nil)
	res := sched.poll(ctx, "C", false)

	s.Require().NoError(res.Err)
	s.Equal(0, res.Admitted)
	s.Equal(1, res.Stale)
	s.Empty(s.drain())

	ch, _ := s.registry.Get("C")
	s.Equal("V11", ch.Marker.VideoID, "marker moves past skipped uploads")
}

func (s *SchedulerTestSuite) TestPoll_CutoffDisarmedAfterUncoveredPoll() {
	ctx := context.Background()
	covered := true
	coverage := mocks.NewMockCoverage(s.ctrl)
	coverage.EXPECT().Covered("C").DoAndReturn(func(string) bool { return covered }).AnyTimes()
	shortDedup := dedup.New(time.Millisecond, nil, nil, s.logger)
	sched := NewScheduler(Config{MaxConcurrentFetches: 1, FetchTimeout: time.Second},
		s.registry, s.discoverer, shortDedup, s.queue, coverage, nil, s.logger)

	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").Return(nil, nil).Times(2)
	s.Require().NoError(sched.poll(ctx, "C", false).Err)
	covered = false
	s.Require().NoError(sched.poll(ctx, "C", false).Err)

	// old uploads are admitted normally once the channel is plain polled again
	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return([]domain.Upload{upload("V11", 11)}, nil)
	res := sched.poll(ctx, "C", false)
	s.Require().NoError(res.Err)
	s.Equal(1, res.Admitted)
	s.Equal(0, res.Stale)
}

func (s *SchedulerTestSuite) TestRunOnce_DryRunChangesNothing() {
	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "C").
		Return([]domain.Upload{upload("V11", 11)}, nil)
	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), "fresh").
		Return([]domain.Upload{upload("A", 1)}, nil)

	results := s.scheduler.RunOnce(context.Background(), true)

	s.Require().Len(results, 2)
	s.Equal("C", results[0].ChannelID)
	s.Len(results[0].New, 1)
	s.True(results[1].Baseline)
	s.Empty(s.drain())
	s.Equal(0, s.dedup.Len())

	ch, _ := s.registry.Get("fresh")
	s.True(ch.Marker.IsZero())
}

func (s *SchedulerTestSuite) TestStart_PollsImmediatelyAndStopsOnCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	polled := make(chan string, 4)

	s.discoverer.EXPECT().ListRecentUploads(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, id string) ([]domain.Upload, error) {
			polled <- id
			return nil, nil
		}).Times(2)

	done := make(chan error, 1)
	go func() { done <- s.scheduler.Start(ctx) }()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-polled:
			seen[id] = true
		case <-time.After(time.Second):
			s.FailNow("channel was not polled on start")
		}
	}
	s.True(seen["C"])
	s.True(seen["fresh"])

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}
