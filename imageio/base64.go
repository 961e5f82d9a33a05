package imageio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBase64 is returned for entries that are not valid base64.
var ErrInvalidBase64 = errors.New("imageio: invalid base64 data")

// PNGMimeType is the MIME type of encoded outputs.
const PNGMimeType = "image/png"

// IsURL reports whether entry should be fetched over HTTP.
func IsURL(entry string) bool {
	lower := strings.ToLower(strings.TrimSpace(entry))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// StripDataURLPrefix removes a leading "data:...," header. Strings without
// the prefix are returned unchanged.
func StripDataURLPrefix(entry string) string {
	if !strings.HasPrefix(entry, "data:") {
		return entry
	}
	if _, payload, ok := strings.Cut(entry, ","); ok {
		return payload
	}
	return entry
}

// DecodeBase64 decodes a raw or data-URL-prefixed base64 string. Padded and
// unpadded input are both accepted; embedded whitespace is ignored.
func DecodeBase64(entry string) ([]byte, error) {
	payload := strings.Join(strings.Fields(StripDataURLPrefix(strings.TrimSpace(entry))), "")
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidBase64)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		var rawErr error
		if data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
		}
	}
	return data, nil
}

// EncodeBase64 returns standard padded base64.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DataURL wraps data as a base64 data URL of the given MIME type.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + EncodeBase64(data)
}
