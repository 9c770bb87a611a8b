package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/xela07ax/threatecho/internal/domain"
)

type OpenAIClient struct {
	client    *openai.Client
	model     openai.ChatModel
	modelName string
}

// NewOpenAIClient - клиент OpenAI или любого совместимого API (baseURL).
// Встроенные ретраи SDK выключены: повторы делает ReliabilityWrapper.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIClient{
		client:    &client,
		model:     openai.ChatModel(model),
		modelName: model,
	}
}

func (c *OpenAIClient) Name() string { return "openai/" + c.modelName }

func (c *OpenAIClient) Summarize(ctx context.Context, ev domain.Event) (domain.Summary, error) {
	prompt, err := userPrompt(ev)
	if err != nil {
		return domain.Summary{}, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return domain.Summary{}, throttled(apiErr.StatusCode, apiErr.Response, fmt.Errorf("openai API error: %w", err))
		}
		return domain.Summary{}, fmt.Errorf("openai API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return domain.Summary{}, fmt.Errorf("no response from openai")
	}

	s, err := parseSummary(resp.Choices[0].Message.Content)
	if err != nil {
		return domain.Summary{}, err
	}
	return fillCountries(s, ev), nil
}
