package core

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError is a configuration or environment problem with an actionable fix.
// The Action text is surfaced to API callers as the "hint" of a
// pipeline_load_failed response.
type ConfigError struct {
	Code    string
	Message string
	Action  string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", msg, e.Action)
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Error codes for configuration errors.
const (
	ErrCodeInvalidValue  = "INVALID_VALUE"
	ErrCodeMissingConfig = "MISSING_CONFIG"
	ErrCodeConfigFile    = "CONFIG_FILE"
	ErrCodePipelineLoad  = "PIPELINE_LOAD"
	ErrCodeModelCacheDir = "MODEL_CACHE_DIR"
)

// ErrInvalidChoice reports an enumerated setting outside its allowed values.
func ErrInvalidChoice(name, value string, allowed ...string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s %q", name, value),
		Action:  fmt.Sprintf("Set %s to one of: %s", name, strings.Join(allowed, ", ")),
	}
}

// ErrOutOfRange reports a numeric setting outside its valid range.
func ErrOutOfRange(name string, value interface{}, rangeDesc string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s %v", name, value),
		Action:  fmt.Sprintf("Set %s to a value %s", name, rangeDesc),
	}
}

// ErrMissingConfig reports a required setting that is empty.
func ErrMissingConfig(name, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing %s", name),
		Action:  fmt.Sprintf("Set %s (%s)", name, reason),
	}
}

// ErrConfigFile reports an unreadable or malformed YAML overlay.
func ErrConfigFile(path string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeConfigFile,
		Message: fmt.Sprintf("Could not load config file %s", path),
		Action:  "Fix the YAML syntax or unset CONFIG_FILE",
		Err:     err,
	}
}

// PipelineLoadHint builds the actionable hint returned to callers when the base
// model cannot be loaded: the usual culprits are a missing or under-privileged
// Hugging Face token and a model volume that is not mounted.
func PipelineLoadHint(cfg *Config) string {
	var parts []string
	if cfg.HFToken == "" {
		parts = append(parts, fmt.Sprintf("set HF_TOKEN to a token with access to %s", cfg.ModelID))
	} else {
		parts = append(parts, fmt.Sprintf("verify HF_TOKEN grants access to %s", cfg.ModelID))
	}
	if cfg.ModelCacheDir != "" {
		parts = append(parts, fmt.Sprintf("ensure the model volume is mounted at %s", cfg.ModelCacheDir))
	} else {
		parts = append(parts, "mount a model volume and set MODEL_CACHE_DIR")
	}
	switch cfg.Backend {
	case BackendSDWebUI:
		parts = append(parts, fmt.Sprintf("check that the inference server at %s is reachable", cfg.SDWebUIURL))
	case BackendGemini:
		parts = append(parts, fmt.Sprintf("check that GEMINI_API_KEY is valid for %s", cfg.ModelID))
	}
	return strings.Join(parts, "; ")
}

// ErrPipelineLoad wraps a base model load failure with PipelineLoadHint.
func ErrPipelineLoad(cfg *Config, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodePipelineLoad,
		Message: fmt.Sprintf("Could not load model %s", cfg.ModelID),
		Action:  PipelineLoadHint(cfg),
		Err:     err,
	}
}

// IsConfigError reports whether err wraps a *ConfigError and returns it.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}
