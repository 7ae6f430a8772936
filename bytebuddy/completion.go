package bytebuddy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIClient is the subset of the go-openai client used to
// request completions. *openai.Client satisfies it.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAICompletionFetcher is a [CompletionFetcher] backed by an
// OpenAI-compatible chat completion API (Groq, by default).
type OpenAICompletionFetcher struct {
	client OpenAIClient
	config *OpenAIConfig
	logger *slog.Logger

	// requestLimiter throttles requests across all users, on top of
	// the per-user cooldown
	requestLimiter *rate.Limiter
	mu             sync.RWMutex
}

// NewOpenAICompletionFetcher returns a fetcher for the API described
// by config. If httpClient is nil, go-openai's default client is used.
func NewOpenAICompletionFetcher(
	config *OpenAIConfig,
	httpClient *http.Client,
) *OpenAICompletionFetcher {
	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return newOpenAICompletionFetcher(config, openai.NewClientWithConfig(clientCfg))
}

func newOpenAICompletionFetcher(
	config *OpenAIConfig,
	client OpenAIClient,
) *OpenAICompletionFetcher {
	return &OpenAICompletionFetcher{
		client: client,
		config: config,
		logger: newComponentLogger(levelOr(config.LogLevel, DefaultOpenAILogLevel), "openai"),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}
}

// SetRequestLimit updates the maximum number of outbound requests
// per second.
func (f *OpenAICompletionFetcher) SetRequestLimit(perSecond float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestLimiter.SetLimit(rate.Limit(perSecond))
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (f *OpenAICompletionFetcher) waitOnRequestLimiter(ctx context.Context) error {
	f.mu.RLock()
	requestLimiter := f.requestLimiter
	f.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// Fetch sends messages as a chat completion request and returns the
// content of the first choice.
func (f *OpenAICompletionFetcher) Fetch(
	ctx context.Context,
	messages []Message,
) (string, error) {
	logger := contextLoggerOr(ctx, f.logger)

	if err := f.waitOnRequestLimiter(ctx); err != nil {
		return "", fmt.Errorf("request limiter: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:       f.config.Model,
		Messages:    chatCompletionMessages(messages),
		Temperature: f.config.Temperature,
		MaxTokens:   f.config.MaxTokens,
	}
	logger.DebugContext(
		ctx,
		"requesting completion",
		"model", req.Model,
		"messages", len(req.Messages),
	)

	resp, err := f.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	logger.InfoContext(
		ctx,
		"got completion",
		"id", resp.ID,
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrCompletionFailure)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		logger.WarnContext(
			ctx,
			"empty completion",
			"finish_reason", resp.Choices[0].FinishReason,
		)
		return "", fmt.Errorf("%w: empty answer", ErrCompletionFailure)
	}
	return content, nil
}

func chatCompletionMessages(messages []Message) []openai.ChatCompletionMessage {
	rv := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		rv = append(
			rv, openai.ChatCompletionMessage{
				Role:    chatMessageRole(m.Role),
				Content: m.Content,
			},
		)
	}
	return rv
}

func chatMessageRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// logCompletionError logs err with whatever detail the API returned
func logCompletionError(ctx context.Context, logger *slog.Logger, err error) {
	attrs := []any{tint.Err(err)}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		attrs = append(
			attrs,
			"http_status_code", apiErr.HTTPStatusCode,
			"api_error_type", apiErr.Type,
		)
	}
	logger.ErrorContext(ctx, "completion failed", attrs...)
}
