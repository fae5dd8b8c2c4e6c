package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/remimikalsen/local-image-description-ha/internal/vision"
)

const (
	DefaultPort    = 11434
	DefaultTimeout = 120 * time.Second
)

// maxErrorBody bounds how much of a failed response is quoted in errors.
const maxErrorBody = 512

// ClientConfig is the vision endpoint plus the optional text endpoint.
// TextHost == "" disables elaboration.
type ClientConfig struct {
	Host      string
	Port      int
	Model     string
	KeepAlive int

	TextHost      string
	TextPort      int
	TextModel     string
	TextKeepAlive int

	Stream  bool
	Timeout time.Duration
}

func (c ClientConfig) TextEnabled() bool {
	return c.TextHost != ""
}

type generateRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Images    []string `json:"images,omitempty"`
	Stream    bool     `json:"stream"`
	KeepAlive int      `json:"keep_alive"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type Client struct {
	cfg     ClientConfig
	baseURL string
	textURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		cfg:     cfg,
		baseURL: endpoint(cfg.Host, cfg.Port),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
	if cfg.TextEnabled() {
		c.textURL = endpoint(cfg.TextHost, cfg.TextPort)
	}
	return c
}

func (c *Client) Config() ClientConfig {
	return c.cfg
}

// endpoint builds http://host:port. A host that already carries a scheme is
// used as given.
func endpoint(host string, port int) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return strings.TrimRight(host, "/")
	}
	if port == 0 {
		port = DefaultPort
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// Analyze downloads imageURL and captions it with the vision model.
func (c *Client) Analyze(ctx context.Context, imageURL, prompt string) (string, error) {
	imageData, _, err := vision.FetchImage(ctx, c.client, imageURL)
	if err != nil {
		c.logger.Error("failed to fetch image", "image_url", imageURL, "error", err)
		return "", err
	}

	caption, err := c.generate(ctx, c.baseURL, generateRequest{
		Model:     c.cfg.Model,
		Prompt:    prompt,
		Images:    []string{base64.StdEncoding.EncodeToString(imageData)},
		Stream:    c.cfg.Stream,
		KeepAlive: c.cfg.KeepAlive,
	})
	if err != nil {
		c.logger.Error("vision generate failed", "image_url", imageURL, "model", c.cfg.Model, "error", err)
		return "", err
	}

	c.logger.Debug("vision generate complete", "image_url", imageURL, "model", c.cfg.Model, "chars", len(caption))
	return caption, nil
}

// Elaborate substitutes caption into promptTemplate and runs it through the
// text model. Without a text endpoint, or on any failure or empty output, it
// returns caption.
func (c *Client) Elaborate(ctx context.Context, caption, promptTemplate string) string {
	if !c.cfg.TextEnabled() {
		return caption
	}

	text, err := c.generate(ctx, c.textURL, generateRequest{
		Model:     c.cfg.TextModel,
		Prompt:    strings.ReplaceAll(promptTemplate, vision.DescriptionPlaceholder, caption),
		Stream:    c.cfg.Stream,
		KeepAlive: c.cfg.TextKeepAlive,
	})
	if err != nil {
		c.logger.Error("text generate failed, using vision caption", "model", c.cfg.TextModel, "error", err)
		return caption
	}
	if strings.TrimSpace(text) == "" {
		c.logger.Warn("text model returned no output, using vision caption", "model", c.cfg.TextModel)
		return caption
	}
	return text
}

// Ping checks that the vision endpoint answers /api/tags.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach ollama: %w", err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) generate(ctx context.Context, baseURL string, body generateRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream, application/x-ndjson")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to call ollama: %w", vision.ErrGenerate, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: ollama returned status %d: %s", vision.ErrGenerate, resp.StatusCode, bytes.TrimSpace(errBody))
	}

	if !body.Stream {
		var respBody generateChunk
		if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
			return "", fmt.Errorf("%w: %w", vision.ErrDecode, err)
		}
		return respBody.Response, nil
	}

	return collectStream(resp.Body, c.logger)
}

func (c *Client) closeBody(body io.Closer) {
	if err := body.Close(); err != nil {
		c.logger.Error("failed to close ollama response body", "error", err)
	}
}
