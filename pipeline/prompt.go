package pipeline

import (
	"fmt"
	"strings"
)

// NegativePrompt is applied to every generation call and is not configurable.
const NegativePrompt = "deformed, bad anatomy, lowres, text, watermark"

// ValidatePrompt rejects empty and whitespace-only prompts.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}
	return nil
}

// SanitizePrompt trims surrounding whitespace.
func SanitizePrompt(prompt string) string {
	return strings.TrimSpace(prompt)
}
