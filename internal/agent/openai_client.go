package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ashureev/wellness-profile/internal/domain"
)

const (
	defaultOpenAIModel = string(openai.ChatModelGPT4oMini)
	defaultMaxTokens   = 1024
)

var errNoChoices = errors.New("no choices returned")

// chatService is the subset of the OpenAI chat completions API we use.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIConfig holds configuration for the OpenAI backend.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
}

// OpenAIExtractor extracts profiles with an OpenAI-compatible chat model.
type OpenAIExtractor struct {
	chat      chatService
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIExtractor creates an extractor backed by the OpenAI API.
// Retries are left to Service, so the SDK's own retries are disabled.
func NewOpenAIExtractor(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIExtractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return newOpenAIExtractor(&client.Chat.Completions, cfg, logger), nil
}

func newOpenAIExtractor(chat chatService, cfg OpenAIConfig, logger *slog.Logger) *OpenAIExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAIExtractor{chat: chat, model: model, maxTokens: maxTokens, logger: logger}
}

// Extract sends the prompt to the chat model and decodes its JSON answer.
func (e *OpenAIExtractor) Extract(ctx context.Context, userText string, history []domain.Message) (*Result, error) {
	prompt := BuildPrompt(userText, history)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt))
	for _, m := range prompt {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case string(domain.RoleAssistant):
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	e.logger.Debug("Requesting profile extraction", "model", e.model, "messages", len(messages))

	resp, err := e.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(e.model),
		Messages:    messages,
		MaxTokens:   openai.Int(int64(e.maxTokens)),
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: chat completion: %w", ErrExtractionFailed, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, errNoChoices)
	}

	return DecodeResponse([]byte(resp.Choices[0].Message.Content))
}
