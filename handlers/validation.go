// Package handlers turns one loosely-typed generation request into exactly one
// structured response. Validation atoms live here; the request state machine
// is in handler.go.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Validation errors
var (
	// ErrPromptRequired is returned when the prompt is missing or blank.
	ErrPromptRequired = errors.New("prompt is required")
	// ErrImagesRequired is returned when no reference images are supplied.
	ErrImagesRequired = errors.New("at least one reference image is required in 'images'")
	// ErrInvalidField is returned when a field cannot be coerced to its type.
	ErrInvalidField = errors.New("invalid field")
)

// Input is the decoded "input" object of a request.
// Numbers arrive as json.Number when the decoder uses UseNumber, or float64
// otherwise; both are accepted.
type Input = map[string]interface{}

// HasField checks if a field exists and is not JSON null.
func HasField(input Input, fieldName string) bool {
	v, exists := input[fieldName]
	return exists && v != nil
}

// GetStringField returns a string field, or ok=false when it is absent.
// A present field of another type is an error.
func GetStringField(input Input, fieldName string) (value string, ok bool, err error) {
	if !HasField(input, fieldName) {
		return "", false, nil
	}
	s, isString := input[fieldName].(string)
	if !isString {
		return "", true, fieldError(fieldName, "expected a string, got %T", input[fieldName])
	}
	return s, true, nil
}

// GetIntField coerces an optional integer field, falling back to def.
//
// Example:
//
//	steps, err := handlers.GetIntField(input, "steps", 28)
func GetIntField(input Input, fieldName string, def int) (int, error) {
	if !HasField(input, fieldName) {
		return def, nil
	}
	n, err := CoerceInt(input[fieldName])
	if err != nil {
		return 0, fieldError(fieldName, "%v", err)
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fieldError(fieldName, "%d is out of range", n)
	}
	return int(n), nil
}

// GetFloatField coerces an optional float field, falling back to def.
func GetFloatField(input Input, fieldName string, def float64) (float64, error) {
	if !HasField(input, fieldName) {
		return def, nil
	}
	f, err := CoerceFloat(input[fieldName])
	if err != nil {
		return 0, fieldError(fieldName, "%v", err)
	}
	return f, nil
}

// GetBoolField coerces an optional boolean field, falling back to def.
func GetBoolField(input Input, fieldName string, def bool) (bool, error) {
	if !HasField(input, fieldName) {
		return def, nil
	}
	b, err := CoerceBool(input[fieldName])
	if err != nil {
		return false, fieldError(fieldName, "%v", err)
	}
	return b, nil
}

// GetSeedField returns nil when the seed is absent or null.
func GetSeedField(input Input, fieldName string) (*int64, error) {
	if !HasField(input, fieldName) {
		return nil, nil
	}
	n, err := CoerceInt(input[fieldName])
	if err != nil {
		return nil, fieldError(fieldName, "%v", err)
	}
	return &n, nil
}

// GetStringListField returns a list of non-empty strings. Absent and empty
// lists both return nil without error.
func GetStringListField(input Input, fieldName string) ([]string, error) {
	if !HasField(input, fieldName) {
		return nil, nil
	}
	var raw []interface{}
	switch v := input[fieldName].(type) {
	case []interface{}:
		raw = v
	case []string:
		raw = make([]interface{}, len(v))
		for i, s := range v {
			raw[i] = s
		}
	default:
		return nil, fieldError(fieldName, "expected a list of strings, got %T", v)
	}

	out := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fieldError(fieldName, "entry %d: expected a string, got %T", i, item)
		}
		if strings.TrimSpace(s) == "" {
			return nil, fieldError(fieldName, "entry %d is empty", i)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// CoerceInt converts JSON numbers, Go integers, integral floats and numeric
// strings to int64.
func CoerceInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case json.Number:
		return parseIntString(x.String())
	case string:
		return parseIntString(x)
	default:
		return 0, fmt.Errorf("cannot convert %T to an integer", v)
	}
}

// CoerceFloat converts JSON numbers, Go numbers and numeric strings to a
// finite float64.
func CoerceFloat(v interface{}) (float64, error) {
	var (
		f   float64
		err error
	)
	switch x := v.(type) {
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case float32:
		f = float64(x)
	case float64:
		f = x
	case json.Number:
		f, err = strconv.ParseFloat(x.String(), 64)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
	if err != nil {
		return 0, fmt.Errorf("cannot convert %q to a number", fmt.Sprint(v))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a finite number", f)
	}
	return f, nil
}

// CoerceBool converts booleans, "true"/"false"-style strings (also yes/no and
// on/off) and numbers (non-zero is true).
func CoerceBool(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "yes", "y", "on":
			return true, nil
		case "no", "n", "off":
			return false, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("cannot convert %q to a boolean", x)
		}
		return b, nil
	case json.Number, int, int32, int64, float32, float64:
		f, err := CoerceFloat(x)
		if err != nil {
			return false, err
		}
		return f != 0, nil
	default:
		return false, fmt.Errorf("cannot convert %T to a boolean", v)
	}
}

func parseIntString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %q to an integer", s)
	}
	return floatToInt(f)
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is out of range", f)
	}
	return int64(f), nil
}

func fieldError(fieldName, format string, args ...interface{}) error {
	return fmt.Errorf("%w %s: %s", ErrInvalidField, fieldName, fmt.Sprintf(format, args...))
}
