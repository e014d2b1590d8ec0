package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"clip_relay/internal/dedup"
	"clip_relay/internal/domain"
	"clip_relay/internal/metrics"
	"clip_relay/internal/queue"
	"clip_relay/internal/registry"
	"clip_relay/internal/sessions"
	"clip_relay/internal/subscription"
)

type fakeSubscriptions struct {
	expected map[string]string // topic -> mode
	denied   []string
	toggled  []string
}

func (f *fakeSubscriptions) Verify(mode, topic string, _ time.Duration) bool {
	if f.expected[topic] != mode {
		return false
	}
	delete(f.expected, topic)
	return true
}

func (f *fakeSubscriptions) Deny(topic, _ string) { f.denied = append(f.denied, topic) }

func (f *fakeSubscriptions) ChannelForTopic(topic string) (string, bool) {
	if strings.HasSuffix(topic, "channel_id=UC1") {
		return "UC1", true
	}
	return "", false
}

func (f *fakeSubscriptions) Snapshot() []subscription.Subscription {
	return []subscription.Subscription{{ChannelID: "UC1", State: subscription.StateActive}}
}

func (f *fakeSubscriptions) Subscribe(_ context.Context, id string) error {
	f.toggled = append(f.toggled, "subscribe:"+id)
	return nil
}

func (f *fakeSubscriptions) Unsubscribe(_ context.Context, id string) error {
	f.toggled = append(f.toggled, "unsubscribe:"+id)
	return nil
}

type fakeAccounts struct {
	reloaded []string
}

func (f *fakeAccounts) Reload(id string) error {
	if id != "acc1" {
		return errors.New("unknown account")
	}
	f.reloaded = append(f.reloaded, id)
	return nil
}

func (f *fakeAccounts) Status() []sessions.AccountStatus {
	return []sessions.AccountStatus{{ID: "acc1", Authenticated: true}}
}

func notification(channelID, videoID string, published time.Time) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
 <link rel="hub" href="https://pubsubhubbub.appspot.com"/>
 <entry>
  <id>yt:video:%[2]s</id>
  <yt:videoId>%[2]s</yt:videoId>
  <yt:channelId>%[1]s</yt:channelId>
  <title>new video</title>
  <published>%[3]s</published>
  <updated>%[3]s</updated>
 </entry>
</feed>`, channelID, videoID, published.Format(time.RFC3339))
}

type ServerTestSuite struct {
	suite.Suite

	registry *registry.Registry
	dedup    *dedup.Deduplicator
	queue    *queue.Queue
	subs     *fakeSubscriptions
	accounts *fakeAccounts
	server   *Server
	cfg      Config
}

func (s *ServerTestSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	marker := domain.Marker{PublishedAt: time.Now().Add(-30 * time.Minute).UTC().Truncate(time.Second), VideoID: "V12"}

	s.registry = registry.New([]domain.Channel{
		{ID: "UC1", Enabled: true, Mode: domain.ModeRealtime, Interval: time.Minute, Marker: marker},
		{ID: "UC2", Enabled: false, Mode: domain.ModePoll, Interval: time.Minute},
	}, nil, logger)
	s.dedup = dedup.New(6*time.Hour, nil, nil, logger)
	s.queue = queue.New(nil)
	s.subs = &fakeSubscriptions{expected: map[string]string{}}
	s.accounts = &fakeAccounts{}

	reg := prometheus.NewRegistry()
	s.cfg = Config{HubSecret: "hubsecret", AdminSecret: "adminsecret"}
	s.server = NewServer(s.cfg, Deps{
		Channels:      s.registry,
		Admitter:      s.dedup,
		Queue:         s.queue,
		Subscriptions: s.subs,
		Accounts:      s.accounts,
		Gatherer:      reg,
		Metrics:       metrics.New(reg),
	}, logger)
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *ServerTestSuite) post(path, body string) *httptest.ResponseRecorder {
	mac := hmac.New(sha256.New, []byte(s.cfg.HubSecret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/atom+xml")
	req.Header.Set("X-Hub-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return s.do(req)
}

func (s *ServerTestSuite) admin(path, body string) *httptest.ResponseRecorder {
	token, err := IssueAdminToken(s.cfg.AdminSecret, "tester", time.Minute)
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.do(req)
}

func (s *ServerTestSuite) TestVerify_EchoesChallenge() {
	topic := "https://www.youtube.com/xml/feeds/videos.xml?channel_id=UC1"
	s.subs.expected[topic] = "subscribe"

	q := url.Values{
		"hub.mode":          {"subscribe"},
		"hub.topic":         {topic},
		"hub.challenge":     {"abc123"},
		"hub.lease_seconds": {"432000"},
	}.Encode()
	rec := s.do(httptest.NewRequest(http.MethodGet, "/websub/UC1?"+q, nil))

	s.Equal(http.StatusOK, rec.Code)
	s.Equal("abc123", rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/websub/UC1?"+q, nil))
	s.Equal(http.StatusNotFound, rec.Code, "unexpected verification is refused")
}

func (s *ServerTestSuite) TestVerify_Denied() {
	rec := s.do(httptest.NewRequest(http.MethodGet, "/websub?hub.mode=denied&hub.topic=t1&hub.reason=nope", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal([]string{"t1"}, s.subs.denied)
}

func (s *ServerTestSuite) TestNotify_AdmitsNewVideo() {
	rec := s.post("/websub/UC1", notification("UC1", "V13", time.Now().Add(-time.Minute)))

	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal(1, s.queue.Len())
	ev := s.queue.Drain()[0]
	s.Equal("V13", ev.VideoID)
	s.Equal(domain.PathWebhook, ev.Path)

	rec = s.post("/websub/UC1", notification("UC1", "V13", time.Now().Add(-time.Minute)))
	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal(0, s.queue.Len(), "redelivery is a duplicate")
}

func (s *ServerTestSuite) TestNotify_VideoAtMarkerIsNotAdmitted() {
	ch, err := s.registry.Get("UC1")
	s.Require().NoError(err)

	rec := s.post("/websub", notification("UC1", "V12", ch.Marker.PublishedAt))

	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal(0, s.queue.Len())
	s.Equal(0, s.dedup.Len())
}

func (s *ServerTestSuite) TestNotify_IgnoredCases() {
	old := s.post("/websub", notification("UC1", "ancient", time.Now().Add(-24*time.Hour)))
	disabled := s.post("/websub", notification("UC2", "V1", time.Now()))
	unknown := s.post("/websub", notification("UC9", "V1", time.Now()))

	for _, rec := range []*httptest.ResponseRecorder{old, disabled, unknown} {
		s.Equal(http.StatusNoContent, rec.Code)
	}
	s.Equal(0, s.queue.Len())
}

func (s *ServerTestSuite) TestNotify_BadSignatureDropped() {
	req := httptest.NewRequest(http.MethodPost, "/websub/UC1", strings.NewReader(notification("UC1", "V20", time.Now())))
	req.Header.Set("X-Hub-Signature", "sha1=deadbeef")
	rec := s.do(req)

	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal(0, s.queue.Len())
}

func (s *ServerTestSuite) TestNotify_DeletedEntryAcknowledged() {
	body := `<feed xmlns:at="http://purl.org/atompub/tombstones/1.0" xmlns="http://www.w3.org/2005/Atom">
<at:deleted-entry ref="yt:video:V5" when="2024-05-01T00:00:00+00:00"><at:by><uri>https://www.youtube.com/channel/UC1</uri></at:by></at:deleted-entry></feed>`
	rec := s.post("/websub/UC1", body)

	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal(0, s.queue.Len())
}

func (s *ServerTestSuite) TestStatus() {
	rec := s.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp statusResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Len(resp.Channels, 2)
	s.Len(resp.Subscriptions, 1)
	s.Len(resp.Accounts, 1)
}

func (s *ServerTestSuite) TestMetricsEndpoint() {
	s.post("/websub/UC1", notification("UC1", "V30", time.Now()))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "clip_relay_webhook_notifications_total")
}

func (s *ServerTestSuite) TestAdmin_RequiresToken() {
	rec := s.do(httptest.NewRequest(http.MethodPost, "/admin/channels/UC2/enable", nil))
	s.Equal(http.StatusUnauthorized, rec.Code)

	forged, err := IssueAdminToken("wrong", "mallory", time.Minute)
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodPost, "/admin/channels/UC2/enable", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	s.Equal(http.StatusUnauthorized, s.do(req).Code)
}

func (s *ServerTestSuite) TestAdmin_ToggleChannel() {
	rec := s.admin("/admin/channels/UC1/disable", "")
	s.Equal(http.StatusOK, rec.Code)

	ch, _ := s.registry.Get("UC1")
	s.False(ch.Enabled)
	s.Equal([]string{"unsubscribe:UC1"}, s.subs.toggled)

	rec = s.admin("/admin/channels/UC9/enable", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ServerTestSuite) TestAdmin_Login() {
	s.Equal(http.StatusOK, s.admin("/admin/accounts/acc1/login", "").Code)
	s.Equal([]string{"acc1"}, s.accounts.reloaded)

	s.Equal(http.StatusBadRequest, s.admin("/admin/accounts/nope/login", "").Code)
}

func (s *ServerTestSuite) TestAdmin_ResetMarker() {
	rec := s.admin("/admin/channels/UC1/reset", `{"video_id":"V1","published_at":"2024-01-01T00:00:00Z"}`)
	s.Require().Equal(http.StatusOK, rec.Code)

	ch, _ := s.registry.Get("UC1")
	s.Equal("V1", ch.Marker.VideoID)

	rec = s.admin("/admin/channels/UC1/reset", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	ch, _ = s.registry.Get("UC1")
	s.True(ch.Marker.IsZero())
}

func (s *ServerTestSuite) TestHealthz() {
	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	s.Equal(http.StatusOK, rec.Code)
}
