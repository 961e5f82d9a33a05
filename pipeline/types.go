package pipeline

import (
	"fmt"
	"image"
	"math"
	"time"
)

// GenerateParams holds the normalized parameters of one generation call.
type GenerateParams struct {
	Prompt     string        // Required: text description of the image
	References []image.Image // Ordered reference images; position matters
	Steps      int           // Inference steps, > 0
	Guidance   float64       // Classifier-free guidance scale, > 0
	Seed       *int64        // Deterministic seed; nil for random
	Width      int           // Output width in pixels, > 0
	Height     int           // Output height in pixels, > 0
}

// Result is a generated image plus the seed that produced it.
type Result struct {
	Image   image.Image
	Seed    int64
	Elapsed time.Duration
}

// ValidateParams checks that params are usable at all: a non-empty prompt
// and positive steps, guidance and size. Limits a particular model has are
// its own to enforce; they surface as generation failures.
func ValidateParams(p GenerateParams) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d must be positive", ErrInvalidParams, p.Width, p.Height)
	}
	if p.Steps <= 0 {
		return fmt.Errorf("%w: steps %d must be positive", ErrInvalidParams, p.Steps)
	}
	if !(p.Guidance > 0) || math.IsInf(p.Guidance, 0) {
		return fmt.Errorf("%w: guidance %v must be a positive number", ErrInvalidParams, p.Guidance)
	}
	for i, ref := range p.References {
		if ref == nil {
			return fmt.Errorf("%w: reference image %d is nil", ErrInvalidParams, i)
		}
	}
	return nil
}
