package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/plantdoc/service"
)

type PredictRequest struct {
	PlantType string `json:"plant_type"`
	Image     string `json:"image"`
}

type PlantInfo struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Classes []string `json:"classes"`
}

type Handler struct {
	predictor    *service.Predictor
	token        string
	maxBodyBytes int64
	metrics      *Metrics
}

func (h *Handler) Predict(c *gin.Context) {
	if err := authenticate(c, h.token); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
		return
	}
	if req.Image == "" || req.PlantType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing image or plant_type in request"})
		return
	}

	res, err := h.predictor.PredictBase64(c.Request.Context(), req.PlantType, req.Image)
	if err != nil {
		h.fail(c, req.PlantType, err)
		return
	}

	h.metrics.predictions.WithLabelValues(req.PlantType, res.Label).Inc()
	slog.Info("Prediction",
		slog.String("request_id", c.GetString(requestIDHeader)),
		slog.String("plant", req.PlantType),
		slog.String("label", res.Label),
		slog.Float64("confidence", float64(res.Confidence)))
	c.JSON(http.StatusOK, res)
}

// fail maps service errors onto status codes. Processing failures only
// expose a generic message.
func (h *Handler) fail(c *gin.Context, plantType string, err error) {
	reqID := c.GetString(requestIDHeader)
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		h.metrics.predictionErrors.WithLabelValues("unknown", "invalid_argument").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid plant_type: " + plantType})
	case errors.Is(err, service.ErrModelUnavailable):
		h.metrics.predictionErrors.WithLabelValues(plantType, "model_unavailable").Inc()
		slog.Error("Model not loaded", slog.String("request_id", reqID), slog.String("plant", plantType))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Model for " + plantType + " is not loaded"})
	default:
		h.metrics.predictionErrors.WithLabelValues(plantType, "processing_failure").Inc()
		slog.Error("Prediction failed",
			slog.String("request_id", reqID),
			slog.String("plant", plantType),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process image"})
	}
}

func (h *Handler) Plants(c *gin.Context) {
	profiles := h.predictor.Registry().Profiles()
	out := make([]PlantInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, PlantInfo{Key: p.Key, Name: p.Name, Classes: p.Labels})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
