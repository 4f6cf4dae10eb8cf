// Package llm calls an OpenAI-compatible chat completions API to clean up
// recognized speech and translate it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Options configures a Client.
type Options struct {
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client is a single-turn chat client.
type Client struct {
	http   *resty.Client
	model  string
	logger *slog.Logger
}

// New creates a Client.
func New(opts Options, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetAuthToken(opts.APIKey).
			SetHeader("Content-Type", "application/json"),
		model:  opts.Model,
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ErrEmpty is returned when the model answers with no text.
var ErrEmpty = errors.New("language model returned no text")

// Complete sends one system+user exchange and returns the reply text.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	var out chatResponse
	var apiErr apiError
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: c.model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: prompt},
			},
			Temperature: 0.2,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		return "", fmt.Errorf("chat completion: HTTP %d: %s", resp.StatusCode(), msg)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmpty
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmpty
	}
	c.logger.Debug("chat completion", "model", c.model, "duration_ms", time.Since(start).Milliseconds())
	return text, nil
}

// Health checks the API is reachable and the key is accepted.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Get("/models")
	if err != nil {
		return fmt.Errorf("language model unreachable: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("language model returned HTTP %d", resp.StatusCode())
	}
	return nil
}
