package service

import "errors"

var (
	// ErrInvalidArgument marks a request naming an unknown plant type or
	// missing a field.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrModelUnavailable marks a known plant type without a loaded model.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrProcessingFailure marks any decode, resize or inference failure.
	ErrProcessingFailure = errors.New("processing failure")
)
