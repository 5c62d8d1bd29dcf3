package flux

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/kiliankoe/promptchain/internal/ai"
	"github.com/kiliankoe/promptchain/internal/game"
)

const (
	DefaultBaseURL           = "https://api.bfl.ai/v1"
	DefaultGenerateEndpoint  = "/flux-pro-1.1"
	DefaultTransformEndpoint = "/flux-kontext-pro"
)

type Config struct {
	APIKey            string
	BaseURL           string
	GenerateEndpoint  string
	TransformEndpoint string
	MaxAttempts       int
	BackoffUnit       time.Duration
	AttemptTimeout    time.Duration
}

// Client talks to a Flux style image API. It is safe for concurrent use.
type Client struct {
	cfg    Config
	images ai.Images
	http   *http.Client
}

func New(cfg Config, images ai.Images) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.GenerateEndpoint == "" {
		cfg.GenerateEndpoint = DefaultGenerateEndpoint
	}
	if cfg.TransformEndpoint == "" {
		cfg.TransformEndpoint = DefaultTransformEndpoint
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	return &Client{cfg: cfg, images: images, http: &http.Client{}}
}

type request struct {
	Prompt         string `json:"prompt"`
	InputImage     string `json:"input_image,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	OutputFormat   string `json:"output_format,omitempty"`
	NumImages      int    `json:"num_images"`
	ResponseFormat string `json:"response_format"`
}

// Transform applies prompt to the source image and stores the result.
func (c *Client) Transform(ctx context.Context, source game.ImageRef, prompt string, opts ai.Options) (game.ImageRef, error) {
	src, err := c.images.Load(ctx, source)
	if err != nil {
		return "", fmt.Errorf("load source image: %w", err)
	}
	log.Info().Str("session", opts.SessionID).Str("prompt", clip(prompt, 50)).Msg("transforming image")
	payload := newRequest(prompt, opts)
	payload.InputImage = base64.StdEncoding.EncodeToString(src)
	data, err := c.run(ctx, c.cfg.TransformEndpoint, payload)
	if err != nil {
		return "", err
	}
	return c.images.Save(ctx, opts.SessionID, "transform."+extension(opts.Format), data)
}

// Generate creates a fresh image from prompt alone.
func (c *Client) Generate(ctx context.Context, prompt string, opts ai.Options) (game.ImageRef, error) {
	log.Info().Str("session", opts.SessionID).Str("prompt", clip(prompt, 50)).Msg("generating image")
	data, err := c.run(ctx, c.cfg.GenerateEndpoint, newRequest(prompt, opts))
	if err != nil {
		return "", err
	}
	return c.images.Save(ctx, opts.SessionID, "generated."+extension(opts.Format), data)
}

func newRequest(prompt string, opts ai.Options) request {
	return request{
		Prompt:         prompt,
		Width:          opts.Width,
		Height:         opts.Height,
		OutputFormat:   opts.Format,
		NumImages:      1,
		ResponseFormat: "b64_json",
	}
}

// run posts payload with retries and returns the normalized image bytes.
// Transient failures are retried with 2^attempt backoff units; protocol
// errors return immediately.
func (c *Client) run(ctx context.Context, endpoint string, payload request) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing FLUX_API_KEY", game.ErrTransformationUnavailable)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxAttempts-1), retry.NewExponential(c.cfg.BackoffUnit))
	attempts := 0
	var out []byte
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		data, err := c.attempt(ctx, endpoint, body)
		if err == nil {
			out = data
			return nil
		}
		if errors.Is(err, game.ErrProtocol) {
			log.Error().Err(err).Int("attempt", attempts).Msg("flux returned a malformed response")
			return err
		}
		log.Warn().Err(err).Int("attempt", attempts).Int("maxAttempts", c.cfg.MaxAttempts).Msg("flux request failed")
		return retry.RetryableError(err)
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, game.ErrProtocol):
		return nil, err
	default:
		return nil, fmt.Errorf("%w after %d attempts: %w", game.ErrTransformationUnavailable, attempts, err)
	}
}

// attempt performs one bounded request, including fetching a remote result.
func (c *Client) attempt(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read flux response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("flux status %d: %s", resp.StatusCode, clip(strings.TrimSpace(string(raw)), 200))
	}

	res, err := decodeResult(raw)
	if err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case inlinePayload:
		return r.data, nil
	case remoteReference:
		return c.fetch(ctx, r.url)
	default:
		return nil, fmt.Errorf("%w: unknown result %T", game.ErrProtocol, res)
	}
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch image status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: fetched image is empty", game.ErrProtocol)
	}
	return b, nil
}

func extension(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "png"
	case "webp":
		return "webp"
	default:
		return "jpg"
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
