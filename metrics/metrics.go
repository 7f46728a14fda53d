// Package metrics exposes detection service counters to Prometheus. All
// methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolStats is a snapshot of the inference session pool.
type PoolStats struct {
	Size            int
	Live            int
	InUse           int
	AcquireFailures int64
	Discarded       int64
	LastErrors      []string
}

type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	framesProcessed prometheus.Counter
	framesSampled   prometheus.Counter
	detections      *prometheus.CounterVec
	modelLoads      *prometheus.CounterVec
	inference       prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_requests_total",
			Help: "Pipeline invocations by media type and outcome",
		}, []string{"media_type", "outcome"}),
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detector_video_frames_processed_total",
			Help: "Video frames annotated and written",
		}),
		framesSampled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detector_video_frames_sampled_total",
			Help: "Video frames folded into class statistics",
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_detections_total",
			Help: "Counted detections by class",
		}, []string{"class"}),
		modelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_model_loads_total",
			Help: "Model load attempts by outcome",
		}, []string{"outcome"}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detector_inference_seconds",
			Help:    "Per-frame model inference latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.framesProcessed,
		m.framesSampled,
		m.detections,
		m.modelLoads,
		m.inference,
	)
	return m
}

// RegisterPool exposes session pool gauges read from stats on every scrape.
func (m *Metrics) RegisterPool(stats func() (PoolStats, bool)) {
	if m == nil {
		return
	}
	read := func(field func(PoolStats) float64) func() float64 {
		return func() float64 {
			s, ok := stats()
			if !ok {
				return 0
			}
			return field(s)
		}
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_pool_size",
			Help: "Inference sessions in the pool",
		},
		read(func(s PoolStats) float64 { return float64(s.Size) }),
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_pool_sessions_in_use",
			Help: "Inference sessions currently acquired",
		},
		read(func(s PoolStats) float64 { return float64(s.InUse) }),
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_pool_acquire_failures",
			Help: "Session acquisitions that timed out",
		},
		read(func(s PoolStats) float64 { return float64(s.AcquireFailures) }),
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_pool_sessions_live",
			Help: "Inference sessions alive, idle or acquired",
		},
		read(func(s PoolStats) float64 { return float64(s.Live) }),
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detector_pool_sessions_discarded",
			Help: "Inference sessions destroyed after repeated failures",
		},
		read(func(s PoolStats) float64 { return float64(s.Discarded) }),
	))
}

func (m *Metrics) Request(mediaType, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(mediaType, outcome).Inc()
}

func (m *Metrics) FrameProcessed(sampled bool) {
	if m == nil {
		return
	}
	m.framesProcessed.Inc()
	if sampled {
		m.framesSampled.Inc()
	}
}

func (m *Metrics) Detections(counts map[string]int) {
	if m == nil {
		return
	}
	for class, n := range counts {
		m.detections.WithLabelValues(class).Add(float64(n))
	}
}

func (m *Metrics) ModelLoad(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.modelLoads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inference.Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
