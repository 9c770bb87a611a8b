package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/xela07ax/threatecho/internal/connectors"
	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/infra"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMistral   = "mistral"
	ProviderMock      = "mock"

	mistralBaseURL = "https://api.mistral.ai/v1/"

	// Пауза по умолчанию, если провайдер ответил 429 без Retry-After.
	defaultThrottle = 5 * time.Second
)

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-haiku-4-5",
	ProviderMistral:   "mistral-small-latest",
}

// Client - общий контракт провайдеров.
type Client interface {
	Summarize(ctx context.Context, ev domain.Event) (domain.Summary, error)
	// Name - провайдер/модель для логов и метрик.
	Name() string
}

// New выбирает провайдера по конфигу.
func New(cfg infra.SummarizerConfig) (Client, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModels[cfg.Provider]
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(cfg.APIKey, model, cfg.BaseURL), nil
	case ProviderMistral:
		// Mistral совместим с OpenAI Chat Completions API.
		base := cfg.BaseURL
		if base == "" {
			base = mistralBaseURL
		}
		return NewOpenAIClient(cfg.APIKey, model, base), nil
	case ProviderAnthropic:
		return NewAnthropicClient(cfg.APIKey, model, cfg.BaseURL), nil
	case ProviderMock:
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// throttled превращает 429 провайдера в ThrottleError, чтобы ретраер выждал Retry-After.
func throttled(status int, resp *http.Response, err error) error {
	if status != http.StatusTooManyRequests {
		return err
	}
	after := defaultThrottle
	if resp != nil {
		after = connectors.ParseRetryAfter(resp.Header, defaultThrottle)
	}
	return &connectors.ThrottleError{RetryAfter: after, Cause: err}
}
