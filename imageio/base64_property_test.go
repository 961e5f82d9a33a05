package imageio

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestDecodeBase64_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(t, "data")
		mime := rapid.SampledFrom([]string{"image/png", "image/jpeg", "image/webp"}).Draw(t, "mime")

		raw, err := DecodeBase64(EncodeBase64(data))
		if err != nil {
			t.Fatalf("raw decode: %v", err)
		}
		fromURL, err := DecodeBase64(DataURL(mime, data))
		if err != nil {
			t.Fatalf("data URL decode: %v", err)
		}
		if !bytes.Equal(raw, data) || !bytes.Equal(fromURL, data) {
			t.Fatalf("round trip mismatch for %d bytes", len(data))
		}
	})
}

func TestDecodeBase64_UnpaddedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 256).Draw(t, "data")
		padded := EncodeBase64(data)
		unpadded := bytes.TrimRight([]byte(padded), "=")

		got, err := DecodeBase64(string(unpadded))
		if err != nil {
			t.Fatalf("unpadded decode of %q: %v", unpadded, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("unpadded decode mismatch")
		}
	})
}
