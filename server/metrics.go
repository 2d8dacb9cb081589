package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry, so several
// routers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	requestCount     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	predictions      *prometheus.CounterVec
	predictionErrors *prometheus.CounterVec
	modelsLoaded     prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantdoc_http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plantdoc_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantdoc_predictions_total",
				Help: "Successful predictions by plant type and predicted label",
			}, []string{"plant_type", "label"},
		),
		predictionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantdoc_prediction_errors_total",
				Help: "Failed predictions by plant type and error kind",
			}, []string{"plant_type", "kind"},
		),
		modelsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plantdoc_models_loaded",
			Help: "Number of plant models loaded at startup",
		}),
	}
	m.registry.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.predictions,
		m.predictionErrors,
		m.modelsLoaded,
	)
	return m
}

func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records count and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requestCount.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}
