package telemetry

import (
	"context"
	"github.com/Borislavv/go-ash-tiers/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics exports cache and pipeline activity to Prometheus. Event counters
// are fed from the bus; category occupancy is sampled on Update.
type Metrics struct {
	registry *prometheus.Registry

	cacheEvents    *prometheus.CounterVec
	evictedBytes   *prometheus.CounterVec
	cleanupRemoved prometheus.Counter
	pipelines      *prometheus.CounterVec
	stages         *prometheus.CounterVec
	progress       *prometheus.GaugeVec
	categoryBytes  *prometheus.GaugeVec
	categoryItems  *prometheus.GaugeVec
	categoryLimit  *prometheus.GaugeVec
	droppedEvents  prometheus.GaugeFunc
}

// NewMetrics registers every collector on a private registry. dropped reports
// the number of events the bus could not deliver; it may be nil.
func NewMetrics(namespace string, dropped func() int64) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Cache events by type and category.",
		}, []string{"type", "category"}),
		evictedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evicted_bytes_total",
			Help:      "Bytes released by eviction.",
		}, []string{"category"}),
		cleanupRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "swept_entries_total",
			Help:      "Expired entries removed by sweeps.",
		}),
		pipelines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by kind and outcome.",
		}, []string{"kind", "status"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stages_completed_total",
			Help:      "Completed stages by kind and stage id.",
		}, []string{"kind", "stage"}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "progress_percent",
			Help:      "Progress of the latest pipeline of each kind.",
		}, []string{"kind"}),
		categoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "category",
			Name:      "bytes",
			Help:      "Stored bytes per category.",
		}, []string{"category"}),
		categoryItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "category",
			Name:      "entries",
			Help:      "Stored entries per category.",
		}, []string{"category"}),
		categoryLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "category",
			Name:      "max_bytes",
			Help:      "Configured max size per category.",
		}, []string{"category"}),
	}
	if dropped == nil {
		dropped = func() int64 { return 0 }
	}
	m.droppedEvents = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped",
		Help:      "Events lost to full subscriber buffers.",
	}, func() float64 { return float64(dropped()) })

	for _, c := range []prometheus.Collector{
		m.cacheEvents, m.evictedBytes, m.cleanupRemoved, m.pipelines, m.stages,
		m.progress, m.categoryBytes, m.categoryItems, m.categoryLimit, m.droppedEvents,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe folds one event into the counters.
func (m *Metrics) Observe(e events.Event) {
	switch e.Type {
	case events.CacheHit, events.CacheMiss, events.CacheSet, events.CacheRejected:
		m.cacheEvents.WithLabelValues(string(e.Type), string(e.Category)).Inc()
	case events.CacheEvicted:
		m.cacheEvents.WithLabelValues(string(e.Type), string(e.Category)).Inc()
		m.evictedBytes.WithLabelValues(string(e.Category)).Add(float64(e.Size))
	case events.CacheCleanup:
		m.cleanupRemoved.Add(float64(e.Count))
	case events.PipelineStarted:
		m.pipelines.WithLabelValues(e.Kind, "started").Inc()
		m.progress.WithLabelValues(e.Kind).Set(0)
	case events.PipelineProgress:
		m.stages.WithLabelValues(e.Kind, e.StageID).Inc()
		m.progress.WithLabelValues(e.Kind).Set(e.Progress)
	case events.PipelineCompleted:
		m.pipelines.WithLabelValues(e.Kind, "completed").Inc()
		m.progress.WithLabelValues(e.Kind).Set(100)
	case events.PipelineFailed:
		m.pipelines.WithLabelValues(e.Kind, "failed").Inc()
	}
}

// Consume observes events from ch until it is closed or ctx is done.
func (m *Metrics) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Update samples category occupancy.
func (m *Metrics) Update(src CacheSource) {
	for _, st := range src.CategoryStats() {
		category := string(st.Category)
		m.categoryBytes.WithLabelValues(category).Set(float64(st.Mem))
		m.categoryItems.WithLabelValues(category).Set(float64(st.Len))
		m.categoryLimit.WithLabelValues(category).Set(float64(st.MaxSize))
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
