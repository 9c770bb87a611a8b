package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/xela07ax/threatecho/internal/connectors"
	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/infra"
)

var (
	abuseEvent = domain.Event{
		ID:        1,
		Source:    domain.SourceAbuseIPDB,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload: domain.AbusePayload{
			IP:              "203.0.113.7",
			AttackerCountry: "CN",
			VictimCountry:   "US",
			Attack:          "SSH brute force",
			ConfidenceScore: 100,
		},
	}
	pulseEvent = domain.Event{
		ID:        2,
		Source:    domain.SourceOTX,
		Timestamp: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Payload: domain.PulsePayload{
			Name:        "Phishing Wave",
			Description: "Credential harvesting targeting banks",
			Country:     "Germany",
		},
	}
)

func TestCleanJSONResponse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain JSON unchanged",
			input: `{"summary":"test"}`,
			want:  `{"summary":"test"}`,
		},
		{
			name:  "strips json fenced block",
			input: "```json\n{\"summary\":\"test\"}\n```",
			want:  `{"summary":"test"}`,
		},
		{
			name:  "strips plain fenced block",
			input: "```\n{\"summary\":\"test\"}\n```",
			want:  `{"summary":"test"}`,
		},
		{
			name:  "drops surrounding prose",
			input: "Sure! Here it is: {\"summary\":\"test\"} Hope this helps.",
			want:  `{"summary":"test"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSONResponse(tt.input))
		})
	}
}

func TestParseSummary(t *testing.T) {
	s, err := parseSummary("```json\n{\"summary\":\" A phishing attack on Germany. \",\"attacker_country\":\"Russia\",\"victim_country\":\"Germany\"}\n```")
	assert.Equal(t, nil, err)
	assert.Equal(t, "A phishing attack on Germany.", s.Text)
	assert.Equal(t, "Russia", s.AttackerCountry)
	assert.Equal(t, "Germany", s.VictimCountry)

	_, err = parseSummary(`{"summary":""}`)
	assert.NotEqual(t, nil, err)

	_, err = parseSummary("no json here")
	assert.NotEqual(t, nil, err)
}

func TestUserPrompt(t *testing.T) {
	p, err := userPrompt(abuseEvent)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.Contains(p, "Attacker's Country: CN"))
	assert.Equal(t, true, strings.Contains(p, "Victim's Country: US"))

	p, err = userPrompt(pulseEvent)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.Contains(p, "Attack Name: Phishing Wave"))

	_, err = userPrompt(domain.Event{Source: "Unknown"})
	assert.Equal(t, true, errors.Is(err, domain.ErrUnknownSource))
}

func TestFillCountries(t *testing.T) {
	s := fillCountries(domain.Summary{Text: "x"}, abuseEvent)
	assert.Equal(t, "CN", s.AttackerCountry)
	assert.Equal(t, "US", s.VictimCountry)

	s = fillCountries(domain.Summary{Text: "x", VictimCountry: "France"}, pulseEvent)
	assert.Equal(t, "France", s.VictimCountry)
	assert.Equal(t, "", s.AttackerCountry)
}

func TestNewProvider(t *testing.T) {
	c, err := New(infra.SummarizerConfig{Provider: ProviderMistral, APIKey: "k"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "openai/mistral-small-latest", c.Name())

	c, err = New(infra.SummarizerConfig{Provider: ProviderAnthropic, APIKey: "k", Model: "claude-custom"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "anthropic/claude-custom", c.Name())

	_, err = New(infra.SummarizerConfig{Provider: "ollama"})
	assert.NotEqual(t, nil, err)
}

func TestOpenAISummarize(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {
					"role": "assistant",
					"content": "` + "```json\\n{\\\"summary\\\":\\\"A brute force attack on US servers.\\\",\\\"attacker_country\\\":\\\"\\\",\\\"victim_country\\\":\\\"United States\\\"}\\n```" + `"
				}
			}]
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-4o-mini", srv.URL+"/")
	s, err := c.Summarize(context.Background(), abuseEvent)

	assert.Equal(t, nil, err)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "A brute force attack on US servers.", s.Text)
	// модель не вернула атакующего, берем из события
	assert.Equal(t, "CN", s.AttackerCountry)
	assert.Equal(t, "United States", s.VictimCountry)
}

func TestOpenAIThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-4o-mini", srv.URL+"/")
	_, err := c.Summarize(context.Background(), pulseEvent)

	var te *connectors.ThrottleError
	assert.Equal(t, true, errors.As(err, &te))
	assert.Equal(t, 3*time.Second, te.RetryAfter)
}

func TestAnthropicSummarize(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-haiku-4-5",
			"content": [{"type": "text", "text": "{\"summary\":\"A phishing attack on Germany banks.\",\"attacker_country\":\"\",\"victim_country\":\"\"}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 10}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", "claude-haiku-4-5", srv.URL+"/")
	s, err := c.Summarize(context.Background(), pulseEvent)

	assert.Equal(t, nil, err)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "A phishing attack on Germany banks.", s.Text)
	assert.Equal(t, "Germany", s.VictimCountry)
}

func TestMockClient(t *testing.T) {
	c := &MockClient{}

	s, err := c.Summarize(context.Background(), pulseEvent)
	assert.Equal(t, nil, err)
	assert.Equal(t, "A phishing wave attack on Germany.", s.Text)

	unstable := abuseEvent
	p := unstable.Payload.(domain.AbusePayload)
	p.Attack = "unstable upstream"
	unstable.Payload = p
	_, err = c.Summarize(context.Background(), unstable)
	assert.NotEqual(t, nil, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewMockClient().Summarize(ctx, abuseEvent)
	assert.Equal(t, context.Canceled, err)
}
