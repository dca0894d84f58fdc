package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openAIBackend speaks the chat completions API. Gemini is served through
// Google's OpenAI-compatible endpoint with the same client.
type openAIBackend struct {
	client openai.Client
}

func newOpenAIBackend(apiKey, baseURL string, maxRetries int) *openAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(maxRetries),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAIBackend{client: openai.NewClient(opts...)}
}

func (b *openAIBackend) complete(ctx context.Context, modelName string, req Request) (*Completion, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(modelName),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty choices")
	}

	return &Completion{
		Text:           strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:          resp.Model,
		PromptTokens:   int(resp.Usage.PromptTokens),
		ResponseTokens: int(resp.Usage.CompletionTokens),
	}, nil
}
