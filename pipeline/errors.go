package pipeline

import "errors"

// Sentinel errors for pipeline operations.
var (
	// ErrBaseLoadFailed means the mandatory base stage failed. The manager
	// stays uninitialized and the next EnsureReady retries.
	ErrBaseLoadFailed = errors.New("pipeline: failed to load base model")

	// ErrGenerationFailed wraps any failure inside the model call.
	ErrGenerationFailed = errors.New("pipeline: image generation failed")

	ErrInvalidPrompt = errors.New("pipeline: invalid prompt")
	ErrInvalidParams = errors.New("pipeline: invalid generation parameters")

	// ErrUnsupported is returned by backends for optional features they cannot
	// provide.
	ErrUnsupported = errors.New("pipeline: feature not supported by backend")
)
