package server

import (
	"github.com/gin-gonic/gin"
	"github.com/krau/plantdoc/service"
)

type Options struct {
	// Token enables bearer authentication on /predict when set.
	Token        string
	MaxBodyBytes int64
	CORSOrigin   string
	Metrics      *Metrics
}

// New builds the HTTP router around predictor.
func New(predictor *service.Predictor, opts Options) *gin.Engine {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 20 << 20
	}
	loaded := 0
	for _, p := range predictor.Registry().Profiles() {
		if p.Model != nil {
			loaded++
		}
	}
	opts.Metrics.modelsLoaded.Set(float64(loaded))

	h := &Handler{
		predictor:    predictor,
		token:        opts.Token,
		maxBodyBytes: opts.MaxBodyBytes,
		metrics:      opts.Metrics,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(), opts.Metrics.Middleware())
	if opts.CORSOrigin != "" {
		r.Use(cors(opts.CORSOrigin))
	}

	r.POST("/predict", h.Predict)
	r.GET("/plants", h.Plants)
	r.GET("/health", h.Health)
	r.GET("/metrics", opts.Metrics.Handler())
	return r
}
