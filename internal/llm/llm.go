package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/aiquiz/internal/metrics"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Options tune a single completion call.
type Options struct {
	Temperature     float32
	MaxOutputTokens int
}

// Completer turns a prompt into raw model text.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds every call. Zero disables the bound.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit caps calls per second across all callers sharing the client.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string, opts ...ClientOption) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	c := &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the model name the client sends requests to.
func (c *Client) Model() string {
	return c.model
}

// Complete sends prompt as a single user message and returns the first
// choice's content. Every failure is reported as a *GenerationError.
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &GenerationError{Model: c.model, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxOutputTokens,
	})
	if err == nil && len(resp.Choices) == 0 {
		err = errors.New("no choices returned")
	}
	metrics.ObserveModelCall(c.model, start, err)
	if err != nil {
		return "", &GenerationError{Model: c.model, Err: err}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", c.model, "raw", raw)
	return raw, nil
}

// Ping lists models to check that the endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return &GenerationError{Model: c.model, Err: fmt.Errorf("list models: %w", err)}
	}
	return nil
}
