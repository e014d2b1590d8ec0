// Package metrics exposes the relay's Prometheus instruments. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clip_relay"

type Metrics struct {
	admitted      *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	polls         *prometheus.CounterVec
	pollLatency   prometheus.Histogram
	queueLength   prometheus.Gauge
	items         *prometheus.CounterVec
	stageLatency  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	clips         *prometheus.CounterVec
	subscriptions *prometheus.GaugeVec
	notifications *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_admitted_total",
			Help:      "Discovery events admitted into the pipeline.",
		}, []string{"path"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_duplicates_total",
			Help:      "Discovery events dropped as duplicates.",
		}, []string{"path"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Channel polls by result.",
		}, []string{"result"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Time spent listing a channel's recent uploads.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Admitted events waiting for a pipeline worker.",
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_items_total",
			Help:      "Pipeline items that reached a terminal state.",
		}, []string{"state", "stage"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of one stage attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_retries_total",
			Help:      "Stage retries after transient failures.",
		}, []string{"stage"}),
		clips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_total",
			Help:      "Clip publish outcomes.",
		}, []string{"result"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Hub subscriptions by state.",
		}, []string{"state"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_notifications_total",
			Help:      "Hub notifications received by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.admitted, m.duplicates, m.polls, m.pollLatency, m.queueLength,
		m.items, m.stageLatency, m.retries, m.clips, m.subscriptions, m.notifications,
	)
	return m
}

func (m *Metrics) Admission(path string, admitted bool) {
	if m == nil {
		return
	}
	if admitted {
		m.admitted.WithLabelValues(path).Inc()
		return
	}
	m.duplicates.WithLabelValues(path).Inc()
}

func (m *Metrics) Poll(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
	if took > 0 {
		m.pollLatency.Observe(took.Seconds())
	}
}

func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) ItemFinished(state, stage string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(state, stage).Inc()
}

func (m *Metrics) StageDuration(stage string, took time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) Retry(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(stage).Inc()
}

func (m *Metrics) Clip(published bool) {
	if m == nil {
		return
	}
	result := "failed"
	if published {
		result = "published"
	}
	m.clips.WithLabelValues(result).Inc()
}

// Subscriptions replaces the per-state gauge values.
func (m *Metrics) Subscriptions(counts map[string]int) {
	if m == nil {
		return
	}
	m.subscriptions.Reset()
	for state, n := range counts {
		m.subscriptions.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}
