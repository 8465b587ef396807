package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Client talks to one GPT-SoVITS api_v2 server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Audio is an in-flight synthesis response. The caller must close Body.
type Audio struct {
	Body        io.ReadCloser
	ContentType string
}

// NewClient creates a client. localhost is pinned to IPv4 because the server
// binds 127.0.0.1 only.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL = strings.TrimRight(strings.Replace(baseURL, "localhost", "127.0.0.1", 1), "/")
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger.With().Str("provider", "gpt_sovits").Logger(),
	}
}

// BaseURL returns the normalized server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping succeeds on any HTTP response, including 404: the server is up as
// soon as it answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// SetGPTWeights switches the GPT model.
func (c *Client) SetGPTWeights(ctx context.Context, path string) error {
	return c.setWeights(ctx, "set_gpt_weights", path)
}

// SetSoVITSWeights switches the SoVITS model.
func (c *Client) SetSoVITSWeights(ctx context.Context, path string) error {
	return c.setWeights(ctx, "set_sovits_weights", path)
}

// SetWeights switches the model of the given kind.
func (c *Client) SetWeights(ctx context.Context, kind, path string) error {
	switch kind {
	case KindGPT:
		return c.SetGPTWeights(ctx, path)
	case KindSoVITS:
		return c.SetSoVITSWeights(ctx, path)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownModelKind, kind)
	}
}

func (c *Client) setWeights(ctx context.Context, endpoint, path string) error {
	if path == "" {
		return ErrNoModelPath
	}
	u := c.baseURL + "/" + endpoint + "?" + url.Values{"weights_path": {path}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.logger.Info().Str("endpoint", endpoint).Str("path", path).Msg("Switching weights")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Synthesize starts generation and returns the streaming body as soon as
// the response headers arrive.
func (c *Client) Synthesize(ctx context.Context, r Request) (*Audio, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().
		Str("text", r.Text).
		Str("text_lang", r.TextLang).
		Float64("speed", r.SpeedFactor).
		Msg("Sending TTS request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("TTS generation failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Audio{Body: resp.Body, ContentType: ct}, nil
}
