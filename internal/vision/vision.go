package vision

import (
	"context"
	"errors"
)

// DescriptionPlaceholder is replaced with the vision caption in text prompts.
const DescriptionPlaceholder = "{description}"

// DefaultPrompt is used by callers that do not supply their own prompt.
const DefaultPrompt = "Describe this image in one or two short sentences. Mention people, animals, vehicles and packages if present."

// DefaultTextPrompt rewrites a caption into a short notification text.
const DefaultTextPrompt = `You are writing a short smart home notification.
Rewrite the following camera description into one friendly sentence:
{description}`

var (
	// ErrImageFetch means the image could not be downloaded. No generate
	// request is made after it.
	ErrImageFetch = errors.New("image fetch failed")
	// ErrGenerate means the model endpoint was unreachable or answered with
	// a non-200 status.
	ErrGenerate = errors.New("generate request failed")
	// ErrDecode means a non-streamed response body was not valid JSON.
	ErrDecode = errors.New("failed to decode response")
)

// Analyzer captions an image fetched from imageURL.
type Analyzer interface {
	Analyze(ctx context.Context, imageURL, prompt string) (string, error)
}

// Elaborator rewrites a caption with a text model. It never fails: when no
// text model is available or the call errors it returns caption unchanged.
type Elaborator interface {
	Elaborate(ctx context.Context, caption, promptTemplate string) string
}

// Backend is one configured vision endpoint.
type Backend interface {
	Analyzer
	Elaborator
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
