package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrUnavailable marks transient failures worth retrying later:
	// transport errors, rate limiting and 5xx responses.
	ErrUnavailable = errors.New("classification service unavailable")

	// ErrMalformedResponse marks replies that cannot be used as-is.
	ErrMalformedResponse = errors.New("malformed classification response")
)

// dmrBaseURL is the OpenAI-compatible endpoint exposed by Docker Model Runner
// on its Unix socket.
const dmrBaseURL = "http://localhost/exp/vDD4.40/engines/llama.cpp/v1"

// Config holds LLM client configuration.
type Config struct {
	BaseURL    string // OpenAI-compatible API root, e.g. https://api.openai.com/v1
	APIKey     string
	SocketPath string // Unix socket path for Docker Model Runner; overrides BaseURL
	Model      string // Model name (e.g., "gpt-3.5-turbo", "ai/gemma3")
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client // optional; used by tests
}

// Client wraps an OpenAI-compatible chat completions API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	maxRetries int
	observer   func(outcome string)
}

// New creates a new LLM client.
func New(config Config) (*Client, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	httpClient := config.HTTPClient
	baseURL := strings.TrimSuffix(config.BaseURL, "/")

	switch {
	case httpClient != nil:
	case config.SocketPath != "":
		socketPath := config.SocketPath
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		}
		httpClient = &http.Client{Transport: transport}
		if baseURL == "" {
			baseURL = dmrBaseURL
		}
	default:
		httpClient = &http.Client{}
	}

	if baseURL == "" {
		return nil, fmt.Errorf("base URL or socket path is required")
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		model:      config.Model,
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
	}, nil
}

// Observe registers a callback that receives the outcome of every request
// attempt ("ok", "unavailable", "malformed").
func (c *Client) Observe(fn func(outcome string)) {
	c.observer = fn
}

// chatRequest is the request payload for the chat completions API.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the response from the chat completions API.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a system instruction and a user prompt and returns the
// trimmed content of the first choice. Transient failures are retried with
// exponential backoff.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	var content string
	operation := func() error {
		out, err := c.complete(ctx, system, prompt)
		c.observe(err)
		if err != nil {
			if !errors.Is(err, ErrUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		content = out
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	var b backoff.BackOff = policy
	if c.maxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(c.maxRetries))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("llm request failed, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

func (c *Client) observe(err error) {
	if c.observer == nil {
		return
	}
	switch {
	case err == nil:
		c.observer("ok")
	case errors.Is(err, ErrUnavailable):
		c.observer("unavailable")
	default:
		c.observer("malformed")
	}
}

func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: request failed: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: API error (status %d): %s", ErrUnavailable, resp.StatusCode, truncate(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: API error (status %d): %s", ErrMalformedResponse, resp.StatusCode, truncate(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal response: %w", ErrMalformedResponse, err)
	}

	if chatResp.Error != nil {
		return "", fmt.Errorf("%w: API error: %s", ErrMalformedResponse, chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: no response returned", ErrMalformedResponse)
	}

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
