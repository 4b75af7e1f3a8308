package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	modelLoads         *prometheus.CounterVec
	loadDuration       *prometheus.HistogramVec
	modelLoaded        prometheus.Gauge
	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	outOfMemory        prometheus.Counter
	wsConnections      prometheus.Gauge
	wsMessages         *prometheus.CounterVec
	downloads          *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		modelLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arttic_model_loads_total",
			Help: "Model load attempts by architecture family and outcome",
		}, []string{"family", "result"}),
		loadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arttic_model_load_duration_seconds",
			Help:    "Time spent loading and optimizing a model",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"family"}),
		modelLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "arttic_model_loaded",
			Help: "1 while a pipeline is resident on the accelerator",
		}),
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arttic_generations_total",
			Help: "Image generations by outcome",
		}, []string{"result"}),
		generationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arttic_generation_duration_seconds",
			Help:    "Wall-clock time of successful generations",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		outOfMemory: f.NewCounter(prometheus.CounterOpts{
			Name: "arttic_out_of_memory_total",
			Help: "Accelerator out-of-memory failures during generation",
		}),
		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "arttic_websocket_connections",
			Help: "Connected websocket clients",
		}),
		wsMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arttic_websocket_actions_total",
			Help: "Websocket actions received",
		}, []string{"action"}),
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arttic_downloads_total",
			Help: "Model file downloads by outcome",
		}, []string{"result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) ModelLoad(family string, ok bool, took time.Duration) {
	if m == nil {
		return
	}
	m.modelLoads.WithLabelValues(family, result(ok)).Inc()
	if ok {
		m.loadDuration.WithLabelValues(family).Observe(took.Seconds())
	}
}

func (m *Metrics) SetModelLoaded(loaded bool) {
	if m == nil {
		return
	}
	if loaded {
		m.modelLoaded.Set(1)
	} else {
		m.modelLoaded.Set(0)
	}
}

func (m *Metrics) Generation(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(result(ok)).Inc()
	if ok {
		m.generationDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) OutOfMemory() {
	if m == nil {
		return
	}
	m.outOfMemory.Inc()
}

func (m *Metrics) WSConnected() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

func (m *Metrics) WSDisconnected() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

func (m *Metrics) WSAction(action string) {
	if m != nil {
		m.wsMessages.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Download(ok bool) {
	if m != nil {
		m.downloads.WithLabelValues(result(ok)).Inc()
	}
}
