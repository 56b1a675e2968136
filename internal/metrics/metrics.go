// Package metrics exposes replica health to Prometheus.
package metrics

import (
	"net/http"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// StatsSource returns the stats of the open replica. ok is false when nobody
// is signed in.
type StatsSource func() (stats store.Stats, ok bool)

// Collector reads replica stats at scrape time and counts sync passes.
type Collector struct {
	source StatsSource

	pendingChats    *prometheus.Desc
	pendingMessages *prometheus.Desc
	failedChats     *prometheus.Desc
	failedMessages  *prometheus.Desc
	syncing         *prometheus.Desc
	outboxLength    *prometheus.Desc
	degraded        *prometheus.Desc

	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram

	registry *prometheus.Registry
}

func gaugeDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

// New creates a collector registered on its own registry.
func New(source StatsSource) *Collector {
	c := &Collector{
		source:          source,
		pendingChats:    gaugeDesc("pending_chats", "Chats waiting to be uploaded."),
		pendingMessages: gaugeDesc("pending_messages", "Messages waiting to be uploaded."),
		failedChats:     gaugeDesc("failed_chats", "Chats whose last upload failed."),
		failedMessages:  gaugeDesc("failed_messages", "Messages whose last upload failed."),
		syncing:         gaugeDesc("syncing", "1 while a sync pass is running."),
		outboxLength:    gaugeDesc("outbox_length", "Queued outbox operations."),
		degraded:        gaugeDesc("storage_degraded", "1 while the replica cannot persist."),
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "passes_total",
				Help:      "Sync passes by outcome.",
			},
			[]string{"result"},
		),
		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "pass_duration_seconds",
				Help:      "Sync pass duration in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(c)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingChats
	ch <- c.pendingMessages
	ch <- c.failedChats
	ch <- c.failedMessages
	ch <- c.syncing
	ch <- c.outboxLength
	ch <- c.degraded
	c.passes.Describe(ch)
	c.passDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.source != nil {
		if s, ok := c.source(); ok {
			gauge := func(d *prometheus.Desc, v float64) {
				ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
			}
			gauge(c.pendingChats, float64(s.PendingChats))
			gauge(c.pendingMessages, float64(s.PendingMessages))
			gauge(c.failedChats, float64(s.FailedChats))
			gauge(c.failedMessages, float64(s.FailedMessages))
			gauge(c.syncing, boolValue(s.IsSyncing))
			gauge(c.outboxLength, float64(s.OutboxLength))
			gauge(c.degraded, boolValue(s.StorageDegraded))
		}
	}
	c.passes.Collect(ch)
	c.passDuration.Collect(ch)
}

// ObservePass records a finished pass. It matches outbox.Options.OnPass.
func (c *Collector) ObservePass(res outbox.Result) {
	c.passes.WithLabelValues(res.Outcome()).Inc()
	c.passDuration.Observe(res.Duration.Seconds())
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
