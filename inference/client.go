// Package inference calls an external OpenAI-compatible chat completion
// service. Sessions depend only on the Generator interface; the HTTP client
// here is the production implementation.
//
// Works with OpenAI cloud and any self-hosted OpenAI-compatible backend
// (LocalAI, vLLM, Ollama's compatibility endpoint) via BaseURL override.
package inference

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/jbeghtol/openmoxie/errors"
	"github.com/jbeghtol/openmoxie/pkg/retry"
)

// Roles for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged line of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelParams are the per-module generation parameters.
type ModelParams struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
}

// Generator produces the next assistant utterance from ordered context.
type Generator interface {
	Generate(ctx context.Context, messages []Message, params ModelParams) (string, error)
}

// Config configures the HTTP inference client.
type Config struct {
	// BaseURL of the completion service. Empty means OpenAI cloud.
	BaseURL string

	// APIKey for authentication. Optional for local services.
	APIKey string

	// Timeout bounds each completion call (default: 30s). Expiry is
	// reported as a transient error; callers substitute fallback text.
	Timeout time.Duration

	// RequestsPerSecond caps the call rate across all sessions.
	// Zero disables rate limiting.
	RequestsPerSecond float64

	// MaxAttempts bounds completion calls per Generate, including the
	// first (default: 2). Client errors other than 429 are not retried.
	MaxAttempts int

	// Logger for error logging (optional, defaults to slog.Default()).
	Logger *slog.Logger
}

// Client is the HTTP Generator implementation.
type Client struct {
	client  *openai.Client
	timeout time.Duration
	limiter *rate.Limiter
	retry   retry.Config
	logger  *slog.Logger
}

var _ Generator = (*Client)(nil)

// NewClient creates an HTTP inference client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy-key" // Local services don't need a real key
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MaxAttempts
	if retryCfg.MaxAttempts <= 0 {
		retryCfg.MaxAttempts = 2
	}

	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		timeout: timeout,
		limiter: limiter,
		retry:   retryCfg,
		logger:  logger.With("component", "inference"),
	}
}

// Generate calls the completion endpoint with the given context and returns
// the raw assistant text. Timeouts and service failures come back as
// transient errors.
func (c *Client) Generate(ctx context.Context, messages []Message, params ModelParams) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", errors.WrapTransient(err, "Inference", "Generate", "rate limit wait")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Messages:    chatMessages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}

	resp, err := retry.DoWithResult(ctx, c.retry, func() (openai.ChatCompletionResponse, error) {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil && isClientError(err) {
			return resp, retry.NonRetryable(err)
		}
		return resp, err
	})
	if err != nil {
		return "", errors.WrapTransient(err, "Inference", "Generate", "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.WrapTransient(
			fmt.Errorf("%w: no choices returned", errors.ErrEmptyCompletion),
			"Inference", "Generate", "chat completion")
	}

	return resp.Choices[0].Message.Content, nil
}

// isClientError reports whether the API rejected the request itself.
// Rate limiting (429) stays retryable.
func isClientError(err error) bool {
	var apiErr *openai.APIError
	if !stderrors.As(err, &apiErr) {
		return false
	}
	return apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
		apiErr.HTTPStatusCode != http.StatusTooManyRequests
}
