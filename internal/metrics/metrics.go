package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"olhovivo-collector/internal/collector"
	"olhovivo-collector/internal/store"
)

type Collector struct {
	reg *prometheus.Registry

	Cycles          *prometheus.CounterVec // result label: ok|error
	CycleDuration   prometheus.Histogram
	LastSuccess     prometheus.Gauge
	PositionModes   *prometheus.CounterVec // mode label: primary|degraded
	ItemFailures    *prometheus.CounterVec // batch label: stops|fallback|kmz
	Requests        *prometheus.CounterVec // op, code labels
	RequestDuration *prometheus.HistogramVec

	FilesSaved *prometheus.CounterVec // category label
	BytesSaved *prometheus.CounterVec

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	CatalogErrors prometheus.Counter

	CallDelay prometheus.Gauge // seconds
	CycleMin  prometheus.Gauge // seconds
	CycleMax  prometheus.Gauge // seconds
}

func NewCollector(callDelay, cycleMin, cycleMax time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olhovivo_cycles_total",
			Help: "Collection cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "olhovivo_cycle_duration_seconds",
			Help:    "Wall time of a collection cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "olhovivo_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that finished without error.",
		}),
		PositionModes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olhovivo_position_cycles_total",
			Help: "Cycles by how positions were collected.",
		}, []string{"mode"}),
		ItemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olhovivo_item_failures_total",
			Help: "Per-item failures skipped inside a batch.",
		}, []string{"batch"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olhovivo_requests_total",
			Help: "API requests by operation and HTTP status (0 when no response).",
		}, []string{"op", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "olhovivo_request_duration_seconds",
			Help:    "API request latency by operation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op"}),
		FilesSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olhovivo_files_saved_total",
			Help: "Files written to the data root by category.",
		}, []string{"category"}),
		BytesSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olhovivo_bytes_saved_total",
			Help: "Bytes written to the data root by category.",
		}, []string{"category"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "olhovivo_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "olhovivo_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "olhovivo_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "olhovivo_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		CatalogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "olhovivo_catalog_errors_total",
			Help: "Failed catalog inserts.",
		}),
		CallDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "olhovivo_call_delay_seconds",
			Help: "Pause between consecutive batch requests.",
		}),
		CycleMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "olhovivo_cycle_interval_min_seconds",
			Help: "Lower bound of the pause between cycles.",
		}),
		CycleMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "olhovivo_cycle_interval_max_seconds",
			Help: "Upper bound of the pause between cycles.",
		}),
	}

	reg.MustRegister(
		c.Cycles, c.CycleDuration, c.LastSuccess, c.PositionModes, c.ItemFailures,
		c.Requests, c.RequestDuration, c.FilesSaved, c.BytesSaved,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.CatalogErrors, c.CallDelay, c.CycleMin, c.CycleMax,
	)

	c.CallDelay.Set(callDelay.Seconds())
	c.CycleMin.Set(cycleMin.Seconds())
	c.CycleMax.Set(cycleMax.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// ObserveRequest records one API call.
func (c *Collector) ObserveRequest(op string, status int, d time.Duration, _ error) {
	c.Requests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) FileSaved(_ context.Context, _ uuid.UUID, f store.SavedFile) {
	c.FilesSaved.WithLabelValues(f.Category).Inc()
	c.BytesSaved.WithLabelValues(f.Category).Add(float64(f.Bytes))
}

func (c *Collector) CycleFinished(_ context.Context, r collector.Report) {
	c.CycleDuration.Observe(r.Duration().Seconds())
	if r.PositionMode != "" {
		c.PositionModes.WithLabelValues(r.PositionMode).Inc()
	}
	c.ItemFailures.WithLabelValues("stops").Add(float64(r.StopFailures))
	c.ItemFailures.WithLabelValues("fallback").Add(float64(r.FallbackFailures))
	c.ItemFailures.WithLabelValues("kmz").Add(float64(r.KMZFailures))

	if !r.OK() {
		c.Cycles.WithLabelValues("error").Inc()
		return
	}
	c.Cycles.WithLabelValues("ok").Inc()
	c.LastSuccess.Set(float64(r.FinishedAt.Unix()))
}
