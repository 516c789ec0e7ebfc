// Package llm is a minimal client for OpenAI-compatible chat-completion
// endpoints (Groq, OpenAI, local gateways).
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// DefaultBaseURL is Groq's OpenAI-compatible API root.
const DefaultBaseURL = "https://api.groq.com/openai/v1"

// DefaultModel is the model used when none is configured.
const DefaultModel = "moonshotai/kimi-k2-instruct"

const defaultTimeout = 60 * time.Second

// Completer produces a single completion for a system and user message.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("classifier request failed (%d)", e.StatusCode)
	}
	return fmt.Sprintf("classifier request failed (%d): %s", e.StatusCode, e.Message)
}

// ErrEmptyResponse is returned when the provider sends no choices.
var ErrEmptyResponse = errors.New("classifier returned no choices")

// Client implements Completer on the openai-go SDK.
type Client struct {
	api      openai.Client
	baseURL  string
	apiKey   string
	model    string
	timeout  time.Duration
	jsonMode bool
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithJSONMode toggles the json_object response format constraint.
// It is on by default.
func WithJSONMode(on bool) Option {
	return func(c *Client) { c.jsonMode = on }
}

// NewClient creates a client for the given API root and model.
func NewClient(baseURL, apiKey, model string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// Prepend scheme if missing so url.Parse produces a valid host.
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid classifier URL %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid classifier URL %q: missing host", baseURL)
	}
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/") + "/",
		apiKey:   apiKey,
		model:    model,
		timeout:  defaultTimeout,
		jsonMode: true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	// A failed call leaves the message unprocessed, so the next pass is
	// the retry.
	reqOpts := []option.RequestOption{
		option.WithBaseURL(c.baseURL),
		option.WithRequestTimeout(c.timeout),
		option.WithMaxRetries(0),
	}
	if c.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(c.apiKey))
	}
	c.api = openai.NewClient(reqOpts...)
	return c, nil
}

// Complete sends one system and one user message with temperature 0 and
// returns the content of the first choice.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		// Providers default to a non-zero temperature when it is omitted.
		Temperature: openai.Float(0),
	}
	if c.jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	start := time.Now()
	var httpResp *http.Response
	completion, err := c.api.Chat.Completions.New(ctx, params, option.WithResponseInto(&httpResp))
	c.logger.Debug("classifier call", "model", c.model, "status", statusOf(httpResp), "elapsed", time.Since(start))
	if err != nil {
		return "", toAPIError(err, httpResp)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return completion.Choices[0].Message.Content, nil
}

// toAPIError maps SDK failures on non-2xx responses to *APIError. Error
// bodies that are not OpenAI-shaped keep their raw text as the message.
func toAPIError(err error, resp *http.Response) error {
	var sdkErr *openai.Error
	if errors.As(err, &sdkErr) {
		resp = sdkErr.Response
		if sdkErr.Message != "" {
			return &APIError{StatusCode: sdkErr.StatusCode, Message: sdkErr.Message}
		}
	}
	if resp != nil && resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	return fmt.Errorf("classifier request: %w", err)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// Ensure Client implements Completer.
var _ Completer = (*Client)(nil)
