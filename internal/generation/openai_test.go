package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/build"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

// completionStub fakes the chat-completion endpoint. Each call pops the
// next scripted response; the request body is captured for inspection.
type completionStub struct {
	t         *testing.T
	responses []openai.ChatCompletionResponse
	requests  []openai.ChatCompletionRequest
	calls     atomic.Int64
}

func (s *completionStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		s.requests = append(s.requests, req)

		i := int(s.calls.Add(1)) - 1
		if i >= len(s.responses) {
			i = len(s.responses) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(s.t, json.NewEncoder(w).Encode(s.responses[i]))
	}
}

func completion(content string, finish openai.FinishReason) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:     "cmpl-1",
		Object: "chat.completion",
		Model:  openai.GPT4o,
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: finish,
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 20},
	}
}

func stubGenerator(t *testing.T, stub *completionStub) *OpenAIGenerator {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)
	return NewOpenAIGenerator(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1"})
}

func bundleJSON(t *testing.T, markup string) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"markup": markup,
		"assets": map[string]string{"styles.css": "body{}"},
	})
	require.NoError(t, err)
	return string(data)
}

func TestOpenAIGenerator_GenerateParsesBundle(t *testing.T) {
	stub := &completionStub{t: t, responses: []openai.ChatCompletionResponse{
		completion(bundleJSON(t, "<!doctype html><title>t</title>"), openai.FinishReasonStop),
	}}
	g := stubGenerator(t, stub)

	result, err := g.Generate(context.Background(), &build.GenerateRequest{
		Instructions: "build a page",
		Input:        map[string]any{"business": "Riva's Bakery"},
		MaxTokens:    2048,
	})
	require.NoError(t, err)

	assert.Equal(t, "<!doctype html><title>t</title>", result.Artifact.Markup)
	assert.Equal(t, "body{}", result.Artifact.Assets["styles.css"])
	assert.NotEmpty(t, result.ContextHandle)

	require.Len(t, stub.requests, 1)
	sent := stub.requests[0]
	assert.Equal(t, 2048, sent.MaxTokens)
	require.Len(t, sent.Messages, 2, "fresh conversations carry system plus user turns")
	assert.Equal(t, openai.ChatMessageRoleSystem, sent.Messages[0].Role)
	assert.Contains(t, sent.Messages[1].Content, "Riva's Bakery")
}

func TestOpenAIGenerator_ContextReuseExtendsConversation(t *testing.T) {
	stub := &completionStub{t: t, responses: []openai.ChatCompletionResponse{
		completion(bundleJSON(t, "<p>v1</p>"), openai.FinishReasonStop),
		completion(bundleJSON(t, "<p>v2</p>"), openai.FinishReasonStop),
	}}
	g := stubGenerator(t, stub)
	require.True(t, g.SupportsContextReuse())

	first, err := g.Generate(context.Background(), &build.GenerateRequest{
		Instructions: "build a page",
		Input:        map[string]any{"business": "x"},
	})
	require.NoError(t, err)

	second, err := g.Generate(context.Background(), &build.GenerateRequest{
		Instructions: "build a page",
		PriorContext: first.ContextHandle,
		Feedback: []domain.ValidationError{
			{Severity: domain.SeverityCritical, Source: "structural", Code: "INLINE_EVENT_HANDLER", Hint: "remove it"},
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ContextHandle, second.ContextHandle,
		"each completion yields a fresh handle")

	require.Len(t, stub.requests, 2)
	retry := stub.requests[1]
	// system + user + assistant reply + feedback turn
	require.Len(t, retry.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleAssistant, retry.Messages[2].Role)
	assert.Contains(t, retry.Messages[3].Content, "INLINE_EVENT_HANDLER")

	// Superseded handles are retired.
	_, err = g.Generate(context.Background(), &build.GenerateRequest{
		Instructions: "build a page",
		PriorContext: first.ContextHandle,
	})
	require.Error(t, err)
}

func TestOpenAIGenerator_TruncatedCompletion(t *testing.T) {
	stub := &completionStub{t: t, responses: []openai.ChatCompletionResponse{
		completion(`{"markup": "<p>cut of`, openai.FinishReasonLength),
	}}
	g := stubGenerator(t, stub)

	_, err := g.Generate(context.Background(), &build.GenerateRequest{Instructions: "build"})
	var ge *build.GeneratorError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, build.GeneratorErrTruncated, ge.Type)
	assert.True(t, build.IsTruncatedOutput(err))
}

func TestOpenAIGenerator_InvalidOutput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "<html>raw markup</html>"},
		{name: "empty markup", content: `{"markup": "  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &completionStub{t: t, responses: []openai.ChatCompletionResponse{
				completion(tt.content, openai.FinishReasonStop),
			}}
			g := stubGenerator(t, stub)

			_, err := g.Generate(context.Background(), &build.GenerateRequest{Instructions: "build"})
			var ge *build.GeneratorError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, build.GeneratorErrInvalidOutput, ge.Type)
		})
	}
}

func TestOpenAIGenerator_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused from here on
	g := NewOpenAIGenerator(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/v1"})

	_, err := g.Generate(context.Background(), &build.GenerateRequest{Instructions: "build"})
	var ge *build.GeneratorError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, build.GeneratorErrTransport, ge.Type)
	assert.False(t, build.IsTruncatedOutput(err))
}

func TestOpenAIGenerator_FeedbackWithScreenshot(t *testing.T) {
	g := NewOpenAIGenerator(OpenAIConfig{APIKey: "test-key"})

	msg := g.feedbackMessage(&build.GenerateRequest{
		Feedback: []domain.ValidationError{
			{Severity: domain.SeverityMajor, Source: "sandbox", Code: "LAYOUT_OVERFLOW", Hint: "fix layout", Location: "main"},
		},
		Screenshot: []byte{0x89, 'P', 'N', 'G'},
	})

	require.Len(t, msg.MultiContent, 2, "screenshot feedback uses a multimodal turn")
	assert.Contains(t, msg.MultiContent[0].Text, "LAYOUT_OVERFLOW")
	assert.Contains(t, msg.MultiContent[0].Text, "(at main)")
	assert.Contains(t, msg.MultiContent[1].ImageURL.URL, "data:image/png;base64,")
}
