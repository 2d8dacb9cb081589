package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
	"github.com/krau/plantdoc/config"
)

// Predictor runs single-image classification against a Registry.
type Predictor struct {
	registry  *Registry
	filter    imaging.ResampleFilter
	maxPixels int64
}

// NewPredictor builds a Predictor. maxPixels bounds the decoded image size;
// zero or less uses DefaultMaxPixels.
func NewPredictor(registry *Registry, filter imaging.ResampleFilter, maxPixels int64) *Predictor {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Predictor{registry: registry, filter: filter, maxPixels: maxPixels}
}

func (p *Predictor) Registry() *Registry {
	return p.registry
}

// PredictBase64 decodes imageB64 and classifies it. A malformed payload is
// a processing failure.
func (p *Predictor) PredictBase64(ctx context.Context, plantType, imageB64 string) (Result, error) {
	profile, err := p.profile(plantType)
	if err != nil {
		return Result{}, err
	}
	data, err := DecodeBase64(imageB64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProcessingFailure, err)
	}
	return p.run(ctx, profile, data)
}

func (p *Predictor) profile(plantType string) (PlantProfile, error) {
	if plantType == "" {
		return PlantProfile{}, fmt.Errorf("%w: plant_type is required", ErrInvalidArgument)
	}
	profile, ok := p.registry.Lookup(plantType)
	if !ok {
		return PlantProfile{}, fmt.Errorf("%w: unknown plant type %q", ErrInvalidArgument, plantType)
	}
	if profile.Model == nil {
		return PlantProfile{}, fmt.Errorf("%w: no model loaded for %q", ErrModelUnavailable, plantType)
	}
	return profile, nil
}

func (p *Predictor) run(ctx context.Context, profile PlantProfile, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProcessingFailure, err)
	}
	img, err := DecodeImage(data, p.maxPixels)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProcessingFailure, err)
	}
	w, h := profile.Model.InputSize()
	input, err := Preprocess(img, w, h, p.filter)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProcessingFailure, err)
	}

	scores, err := profile.Model.Infer(input)
	if err != nil {
		return Result{}, fmt.Errorf("%w: inference: %w", ErrProcessingFailure, err)
	}
	if len(scores) != len(profile.Labels) {
		return Result{}, fmt.Errorf("%w: got %d scores for %d labels", ErrProcessingFailure, len(scores), len(profile.Labels))
	}
	scores = activate(profile.Activation, scores)

	idx := Argmax(scores)
	conf := scores[idx]
	if math.IsNaN(float64(conf)) || math.IsInf(float64(conf), 0) {
		return Result{}, fmt.Errorf("%w: non-finite score %v", ErrProcessingFailure, conf)
	}
	if conf < 0 || conf > 1 {
		slog.Warn("Confidence outside [0,1], model output is probably not normalized",
			slog.String("plant", profile.Key), slog.Float64("confidence", float64(conf)))
	}

	res := Result{Label: profile.Labels[idx], Confidence: conf}
	slog.Debug("Prediction",
		slog.String("plant", profile.Key),
		slog.String("label", res.Label),
		slog.Float64("confidence", float64(res.Confidence)))
	return res, nil
}

func activate(kind string, scores []float32) []float32 {
	switch kind {
	case config.ActivationSoftmax:
		return Softmax(scores)
	case config.ActivationSigmoid:
		out := make([]float32, len(scores))
		for i, v := range scores {
			out[i] = Sigmoid(v)
		}
		return out
	default:
		return scores
	}
}
