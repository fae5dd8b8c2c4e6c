package vision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// MaxImageSize caps how much of an image response is read.
const MaxImageSize = 50 * 1024 * 1024 // 50 MB

// FetchImage downloads imageURL and returns its bytes with a sniffed MIME
// type. Any transport error or non-200 status wraps ErrImageFetch.
func FetchImage(ctx context.Context, client *http.Client, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid url %q: %w", ErrImageFetch, imageURL, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrImageFetch, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close image response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: %s returned status %d", ErrImageFetch, imageURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to read body: %w", ErrImageFetch, err)
	}
	if len(data) > MaxImageSize {
		return nil, "", fmt.Errorf("%w: image larger than %d bytes", ErrImageFetch, MaxImageSize)
	}

	return data, DetectMIME(data), nil
}

// DetectMIME sniffs the image format. net/http.DetectContentType handles
// JPEG, PNG and GIF; WebP is checked separately because the stdlib sniffer
// has no WebP signature. Unknown data reports image/jpeg.
func DetectMIME(data []byte) string {
	if isWebP(data) {
		return "image/webp"
	}
	switch mime := http.DetectContentType(data); mime {
	case "image/jpeg", "image/png", "image/gif":
		return mime
	default:
		return "image/jpeg"
	}
}

// isWebP reports whether data is a RIFF container with "WEBP" at offset 8.
func isWebP(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WEBP"
}
