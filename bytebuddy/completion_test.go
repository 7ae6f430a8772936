package bytebuddy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockOpenAIClient records chat completion requests and returns a
// canned response
type mockOpenAIClient struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	response openai.ChatCompletionResponse
	err      error
}

func (m *mockOpenAIClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, request)
	return m.response, m.err
}

func chatResponse(contents ...string) openai.ChatCompletionResponse {
	resp := openai.ChatCompletionResponse{
		ID:    "chatcmpl-test",
		Model: DefaultOpenAIModel,
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5},
	}
	for i, c := range contents {
		resp.Choices = append(
			resp.Choices, openai.ChatCompletionChoice{
				Index: i,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: c,
				},
				FinishReason: openai.FinishReasonStop,
			},
		)
	}
	return resp
}

func newTestOpenAIConfig() *OpenAIConfig {
	cfg := DefaultConfig().OpenAI
	cfg.Token = "test-openai-token"
	cfg.MaxRequestsPerSecond = 1000
	return cfg
}

func TestOpenAICompletionFetcher_Fetch(t *testing.T) {
	client := &mockOpenAIClient{response: chatResponse("the answer", "ignored")}
	f := newOpenAICompletionFetcher(newTestOpenAIConfig(), client)

	answer, err := f.Fetch(
		context.Background(),
		[]Message{
			{Role: RoleSystem, Content: "be nice"},
			{Role: RoleUser, Content: "q1"},
			{Role: RoleAssistant, Content: "a1"},
			{Role: RoleUser, Content: "q2"},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "the answer", answer)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, DefaultOpenAIModel, req.Model)
	assert.Equal(t, float32(DefaultOpenAITemperature), req.Temperature)
	assert.Equal(t, DefaultOpenAIMaxTokens, req.MaxTokens)
	assert.Equal(
		t,
		[]openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "be nice"},
			{Role: openai.ChatMessageRoleUser, Content: "q1"},
			{Role: openai.ChatMessageRoleAssistant, Content: "a1"},
			{Role: openai.ChatMessageRoleUser, Content: "q2"},
		},
		req.Messages,
	)
}

func TestOpenAICompletionFetcher_Fetch_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		response openai.ChatCompletionResponse
		err      error
		wantErr  error
	}{
		{
			name:     "no choices",
			response: chatResponse(),
			wantErr:  ErrCompletionFailure,
		},
		{
			name:     "empty content",
			response: chatResponse(""),
			wantErr:  ErrCompletionFailure,
		},
		{
			name:     "whitespace content",
			response: chatResponse(" \n\t"),
			wantErr:  ErrCompletionFailure,
		},
		{
			name:    "client error",
			err:     errTestFetch,
			wantErr: errTestFetch,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				client := &mockOpenAIClient{response: tc.response, err: tc.err}
				f := newOpenAICompletionFetcher(newTestOpenAIConfig(), client)
				answer, err := f.Fetch(
					context.Background(),
					[]Message{{Role: RoleUser, Content: "q"}},
				)
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Empty(t, answer)
			},
		)
	}
}

func TestOpenAICompletionFetcher_RequestLimiter(t *testing.T) {
	client := &mockOpenAIClient{response: chatResponse("ok")}
	cfg := newTestOpenAIConfig()
	cfg.MaxRequestsPerSecond = 0.001
	f := newOpenAICompletionFetcher(cfg, client)

	msgs := []Message{{Role: RoleUser, Content: "q"}}
	_, err := f.Fetch(context.Background(), msgs)
	require.NoError(t, err)

	// the next token is ~1000s away, so the limiter gives up immediately
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, msgs)
	assert.Error(t, err)
	assert.Len(t, client.requests, 1)

	f.SetRequestLimit(1000)
	time.Sleep(10 * time.Millisecond)
	_, err = f.Fetch(context.Background(), msgs)
	require.NoError(t, err)
	assert.Len(t, client.requests, 2)
}

func TestNewOpenAICompletionFetcher_HTTP(t *testing.T) {
	var gotAuth string
	var gotReq openai.ChatCompletionRequest

	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/chat/completions" {
					http.NotFound(w, r)
					return
				}
				gotAuth = r.Header.Get("Authorization")
				if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(chatResponse("hello from the server"))
			},
		),
	)
	t.Cleanup(srv.Close)

	cfg := newTestOpenAIConfig()
	cfg.BaseURL = srv.URL
	f := NewOpenAICompletionFetcher(cfg, srv.Client())

	answer, err := f.Fetch(
		context.Background(),
		[]Message{{Role: RoleUser, Content: "hi"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "hello from the server", answer)
	assert.Equal(t, "Bearer test-openai-token", gotAuth)
	assert.Equal(t, DefaultOpenAIModel, gotReq.Model)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "hi", gotReq.Messages[0].Content)
}

func TestNewOpenAICompletionFetcher_APIError(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write(
					[]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`),
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	cfg := newTestOpenAIConfig()
	cfg.BaseURL = srv.URL
	f := NewOpenAICompletionFetcher(cfg, srv.Client())

	_, err := f.Fetch(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)

	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatusCode)
}

func TestChatMessageRole(t *testing.T) {
	assert.Equal(t, openai.ChatMessageRoleSystem, chatMessageRole(RoleSystem))
	assert.Equal(t, openai.ChatMessageRoleUser, chatMessageRole(RoleUser))
	assert.Equal(t, openai.ChatMessageRoleAssistant, chatMessageRole(RoleAssistant))
}
