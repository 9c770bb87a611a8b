package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/xela07ax/threatecho/internal/domain"
)

type AnthropicClient struct {
	client    *anthropic.Client
	model     anthropic.Model
	modelName string
}

func NewAnthropicClient(apiKey, model, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		client:    &client,
		model:     anthropic.Model(model),
		modelName: model,
	}
}

func (c *AnthropicClient) Name() string { return "anthropic/" + c.modelName }

func (c *AnthropicClient) Summarize(ctx context.Context, ev domain.Event) (domain.Summary, error) {
	prompt, err := userPrompt(ev)
	if err != nil {
		return domain.Summary{}, err
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return domain.Summary{}, throttled(apiErr.StatusCode, apiErr.Response, fmt.Errorf("anthropic API error: %w", err))
		}
		return domain.Summary{}, fmt.Errorf("anthropic API error: %w", err)
	}

	if len(resp.Content) == 0 {
		return domain.Summary{}, fmt.Errorf("no response from anthropic")
	}

	s, err := parseSummary(resp.Content[0].Text)
	if err != nil {
		return domain.Summary{}, err
	}
	return fillCountries(s, ev), nil
}
