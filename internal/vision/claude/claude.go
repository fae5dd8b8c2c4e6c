package claude

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/remimikalsen/local-image-description-ha/internal/vision"
)

// maxTokens comfortably fits a short caption.
const maxTokens = 1024

type ClaudeAnalyzer struct {
	client *anthropic.Client
	model  string
	http   *http.Client
	logger *slog.Logger
}

// NewClaudeAnalyzer builds an Analyzer backed by the Anthropic Messages API.
// Extra options are passed to the SDK client (tests use WithBaseURL).
func NewClaudeAnalyzer(apiKey, model string, timeout time.Duration, logger *slog.Logger, opts ...anthropic.ClientOption) *ClaudeAnalyzer {
	httpClient := &http.Client{Timeout: timeout}
	opts = append([]anthropic.ClientOption{anthropic.WithHTTPClient(httpClient)}, opts...)
	return &ClaudeAnalyzer{
		client: anthropic.NewClient(apiKey, opts...),
		model:  model,
		http:   httpClient,
		logger: logger,
	}
}

func (a *ClaudeAnalyzer) Analyze(ctx context.Context, imageURL, prompt string) (string, error) {
	imageData, mimeType, err := vision.FetchImage(ctx, a.http, imageURL)
	if err != nil {
		a.logger.Error("failed to fetch image", "image_url", imageURL, "error", err)
		return "", err
	}

	resp, err := a.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.Message{{
			Role: anthropic.RoleUser,
			Content: []anthropic.MessageContent{
				anthropic.NewImageMessageContent(anthropic.NewMessageContentSource(
					anthropic.MessagesContentSourceTypeBase64,
					mimeType,
					base64.StdEncoding.EncodeToString(imageData),
				)),
				anthropic.NewTextMessageContent(prompt),
			},
		}},
	})
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			a.logger.Error("claude api error", "image_url", imageURL, "type", apiErr.Type, "message", apiErr.Message)
		}
		return "", fmt.Errorf("%w: failed to call claude: %w", vision.ErrGenerate, err)
	}

	var parts []string
	for _, c := range resp.Content {
		if c.Type == anthropic.MessagesContentTypeText {
			parts = append(parts, c.GetText())
		}
	}
	return strings.Join(parts, ""), nil
}

// Elaborate returns caption unchanged: this backend has no text model.
func (a *ClaudeAnalyzer) Elaborate(_ context.Context, caption, _ string) string {
	return caption
}

// Ping is a no-op; the hosted API is assumed reachable until a call fails.
func (a *ClaudeAnalyzer) Ping(context.Context) error {
	return nil
}
