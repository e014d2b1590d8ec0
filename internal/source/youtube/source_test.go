package youtube

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clip_relay/internal/domain"
)

const feedBody = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
 <entry>
  <yt:videoId>v3</yt:videoId><yt:channelId>%[1]s</yt:channelId>
  <title>third</title><published>2024-05-01T12:30:00+00:00</published>
 </entry>
 <entry>
  <yt:videoId>v2</yt:videoId><yt:channelId>%[1]s</yt:channelId>
  <title>second</title><published>2024-05-01T12:20:00+00:00</published>
 </entry>
</feed>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSource(url string) *Source {
	return New(Config{
		FeedBaseURL:    url,
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, nil, testLogger())
}

func TestListRecentUploads_SortedOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UC1", r.URL.Query().Get("channel_id"))
		fmt.Fprintf(w, feedBody, "UC1")
	}))
	defer srv.Close()

	uploads, err := newSource(srv.URL).ListRecentUploads(context.Background(), "UC1")
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	assert.Equal(t, "v2", uploads[0].VideoID)
	assert.Equal(t, "v3", uploads[1].VideoID)
}

func TestListRecentUploads_RetriesTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, feedBody, "UC1")
	}))
	defer srv.Close()

	uploads, err := newSource(srv.URL).ListRecentUploads(context.Background(), "UC1")
	require.NoError(t, err)
	assert.Len(t, uploads, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestListRecentUploads_NotFoundIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newSource(srv.URL).ListRecentUploads(context.Background(), "UC1")
	assert.ErrorIs(t, err, domain.ErrNotFoundOrRemoved)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestListRecentUploads_InvalidFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := newSource(srv.URL).ListRecentUploads(context.Background(), "UC1")
	assert.ErrorIs(t, err, domain.ErrInvalidFormat)
}
