package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Admission("poll", true)
	m.Admission("poll", true)
	m.Admission("webhook", false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.admitted.WithLabelValues("poll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates.WithLabelValues("webhook")))

	m.QueueLength(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueLength))

	m.Poll("ok", 200*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.polls.WithLabelValues("ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.pollLatency))

	m.Subscriptions(map[string]int{"active": 3, "pending": 1})
	m.Subscriptions(map[string]int{"active": 4})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("active")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.subscriptions), "stale states are cleared")

	m.Clip(true)
	m.Clip(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clips.WithLabelValues("published")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Admission("poll", true)
		m.Poll("error", 0)
		m.QueueLength(1)
		m.ItemFinished("failed", "fetching")
		m.StageDuration("fetching", time.Second)
		m.Retry("publishing")
		m.Clip(true)
		m.Subscriptions(nil)
		m.Notification("ok")
	})
}
