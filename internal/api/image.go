package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidImage is returned by DecodeImage for unusable uploads.
var ErrInvalidImage = errors.New("invalid image")

// DecodeImage decodes a base64 image, optionally wrapped in a data URL.
// The MIME type comes from the data URL, then mimeHint, then the bytes.
func DecodeImage(encoded, mimeHint string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	mime := strings.TrimSpace(mimeHint)
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("%w: data URL must be base64 encoded", ErrInvalidImage)
		}
		mime = strings.TrimSuffix(header, ";base64")
		encoded = payload
	}
	encoded = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, encoded)

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: image_base64 is not valid base64", ErrInvalidImage)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: image is empty", ErrInvalidImage)
	}

	if mime == "" {
		mime = http.DetectContentType(data)
	}
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = mime[:idx]
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	if !strings.HasPrefix(mime, "image/") {
		return nil, "", fmt.Errorf("%w: unsupported content type %q", ErrInvalidImage, mime)
	}
	return data, mime, nil
}
