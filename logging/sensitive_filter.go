package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any value considered secret.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`hf_[a-zA-Z0-9]{30,}`),                    // Hugging Face access tokens
	regexp.MustCompile(`(?i)rpa_[a-zA-Z0-9]{20,}`),               // RunPod API keys
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,})`),            // OpenAI-style keys
	regexp.MustCompile(`(?i)(ghp_[a-zA-Z0-9]{36})`),              // GitHub tokens
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),                  // Google API keys
	regexp.MustCompile(`(?i)(rediss?://[^:@/\s]*:[^@/\s]+@)`),    // credentials in Redis URLs
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._-]{20,})`),     // Authorization headers
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;&]{8,})`),      // token=... in URLs and messages
	regexp.MustCompile(`(?i)(api_?key\s*[:=]\s*[^\s,;&]{8,})`),   // api_key=... / apikey=...
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;&]{8,})`),   // password=...
	regexp.MustCompile(`(?i)(signature\s*[:=]\s*[^\s,;&]{16,})`), // presigned URL signatures
}

// sensitiveKeys are field-name fragments whose values are always redacted.
var sensitiveKeys = []string{
	"HF_TOKEN",
	"HUGGING_FACE_HUB_TOKEN",
	"RUNPOD_API_KEY",
	"SDWEBUI_AUTH",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"REDIS_URL",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"API_KEY",
	"APIKEY",
}

// RedactSensitiveData replaces every secret-looking substring of value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	for _, pattern := range sensitivePatterns {
		value = pattern.ReplaceAllString(value, RedactedPlaceholder)
	}
	return value
}

// IsSensitiveField reports whether a field name implies a secret value.
func IsSensitiveField(fieldName string) bool {
	upper := strings.ToUpper(fieldName)
	for _, key := range sensitiveKeys {
		if strings.Contains(upper, key) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value matches any secret pattern.
func ContainsSensitiveData(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
