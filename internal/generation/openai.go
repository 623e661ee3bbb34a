// Package generation adapts external generative model providers to the
// build pipeline's Generator contract.
package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/build"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

// OpenAIConfig configures the OpenAI-backed generator.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" validate:"required"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// DefaultOpenAIConfig returns the generator defaults.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{Model: openai.GPT4o}
}

// bundlePayload is the structured output contract negotiated with the
// model: a single markup document plus named auxiliary assets.
type bundlePayload struct {
	Markup string            `json:"markup"`
	Assets map[string]string `json:"assets,omitempty"`
}

// conversation is the accumulated message history behind one opaque
// context handle.
type conversation struct {
	messages []openai.ChatCompletionMessage
}

// OpenAIGenerator produces artifacts through the OpenAI chat-completion
// API. It negotiates context reuse by keeping conversation histories in
// a handle registry, so retry attempts can send incremental feedback
// instead of the full input.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger *slog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
	nextHandle    int
}

// compile-time contract checks
var (
	_ build.Generator           = (*OpenAIGenerator)(nil)
	_ build.ContextualGenerator = (*OpenAIGenerator)(nil)
)

// NewOpenAIGenerator constructs the adapter from config.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIConfig().Model
	}
	return &OpenAIGenerator{
		client:        openai.NewClientWithConfig(clientCfg),
		model:         model,
		logger:        slog.Default().With("component", "openai_generator"),
		conversations: make(map[string]*conversation),
	}
}

// SupportsContextReuse reports that retry attempts may reference a prior
// context handle instead of resending the full input.
func (g *OpenAIGenerator) SupportsContextReuse() bool { return true }

// Generate runs one chat completion and parses the structured bundle
// from the model's response.
func (g *OpenAIGenerator) Generate(ctx context.Context, req *build.GenerateRequest) (*build.GenerateResult, error) {
	messages, err := g.assembleMessages(req)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, &build.GeneratorError{
			Type:    build.GeneratorErrTransport,
			Message: "chat completion request failed",
			Cause:   err,
		}
	}
	if len(resp.Choices) == 0 {
		return nil, &build.GeneratorError{
			Type:    build.GeneratorErrInvalidOutput,
			Message: "completion returned no choices",
		}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return nil, &build.GeneratorError{
			Type:    build.GeneratorErrTruncated,
			Message: fmt.Sprintf("completion truncated at %d tokens", resp.Usage.CompletionTokens),
		}
	}

	var payload bundlePayload
	if err := json.Unmarshal([]byte(choice.Message.Content), &payload); err != nil {
		return nil, &build.GeneratorError{
			Type:    build.GeneratorErrInvalidOutput,
			Message: "completion is not a valid bundle document",
			Cause:   err,
		}
	}
	if strings.TrimSpace(payload.Markup) == "" {
		return nil, &build.GeneratorError{
			Type:    build.GeneratorErrInvalidOutput,
			Message: "completion bundle has empty markup",
		}
	}

	handle := g.storeConversation(req.PriorContext, messages, choice.Message)
	g.logger.Debug("completion accepted",
		"model", g.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"context_handle", handle)

	return &build.GenerateResult{
		Artifact: &domain.Artifact{
			Markup: payload.Markup,
			Assets: payload.Assets,
		},
		ContextHandle: handle,
	}, nil
}

// assembleMessages builds the chat history for this attempt: either a
// fresh conversation from the full input, or the prior conversation plus
// an incremental feedback message.
func (g *OpenAIGenerator) assembleMessages(req *build.GenerateRequest) ([]openai.ChatCompletionMessage, error) {
	if req.PriorContext != "" {
		prior, ok := g.lookupConversation(req.PriorContext)
		if !ok {
			return nil, &build.GeneratorError{
				Type:    build.GeneratorErrInvalidOutput,
				Message: fmt.Sprintf("unknown context handle %q", req.PriorContext),
			}
		}
		messages := append([]openai.ChatCompletionMessage(nil), prior.messages...)
		return append(messages, g.feedbackMessage(req)), nil
	}

	system := openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleSystem,
		Content: "You generate a static web page bundle as a single JSON object " +
			`{"markup": "<!doctype html>...", "assets": {"path": "content"}}. ` +
			"Markup must be self-contained HTML with no script execution.",
	}
	if len(req.Schema) > 0 {
		system.Content += "\nThe markup must satisfy this output schema:\n" + string(req.Schema)
	}

	var sb strings.Builder
	sb.WriteString(req.Instructions)
	if len(req.Input) > 0 {
		input, err := json.Marshal(req.Input)
		if err != nil {
			return nil, &build.GeneratorError{
				Type:    build.GeneratorErrInvalidOutput,
				Message: "input payload is not serializable",
				Cause:   err,
			}
		}
		sb.WriteString("\n\nBusiness input:\n")
		sb.Write(input)
	}
	user := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: sb.String(),
	}

	messages := []openai.ChatCompletionMessage{system, user}
	if len(req.Feedback) > 0 {
		messages = append(messages, g.feedbackMessage(req))
	}
	return messages, nil
}

// feedbackMessage renders validation findings (and optionally a rendered
// screenshot) as the next user turn.
func (g *OpenAIGenerator) feedbackMessage(req *build.GenerateRequest) openai.ChatCompletionMessage {
	var sb strings.Builder
	sb.WriteString("The previous bundle failed validation. Fix these findings and return the corrected JSON bundle:\n")
	for _, verr := range req.Feedback {
		fmt.Fprintf(&sb, "- [%s] %s: %s", verr.Severity.String(), verr.Code, verr.Hint)
		if verr.Location != "" {
			fmt.Fprintf(&sb, " (at %s)", verr.Location)
		}
		sb.WriteByte('\n')
	}

	if len(req.Screenshot) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: sb.String(),
		}
	}

	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: sb.String()},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Screenshot),
				},
			},
		},
	}
}

// storeConversation records the full exchange under a fresh handle and
// retires the prior handle it superseded.
func (g *OpenAIGenerator) storeConversation(prior string, sent []openai.ChatCompletionMessage, reply openai.ChatCompletionMessage) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prior != "" {
		delete(g.conversations, prior)
	}
	g.nextHandle++
	handle := fmt.Sprintf("conv-%d", g.nextHandle)
	g.conversations[handle] = &conversation{
		messages: append(append([]openai.ChatCompletionMessage(nil), sent...), reply),
	}
	return handle
}

func (g *OpenAIGenerator) lookupConversation(handle string) (*conversation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conversations[handle]
	return c, ok
}
