package llm

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/xela07ax/threatecho/internal/domain"
)

// MockClient - провайдер без сети для локального запуска и демо.
// Имитирует задержку и отказ на описаниях с маркером "unstable".
type MockClient struct {
	minLatency time.Duration
	jitter     time.Duration
}

func NewMockClient() *MockClient {
	return &MockClient{minLatency: 50 * time.Millisecond, jitter: 250 * time.Millisecond}
}

func (c *MockClient) Name() string { return "mock" }

func (c *MockClient) Summarize(ctx context.Context, ev domain.Event) (domain.Summary, error) {
	latency := c.minLatency
	if c.jitter > 0 {
		latency += time.Duration(rand.Int64N(int64(c.jitter)))
	}

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return domain.Summary{}, ctx.Err()
	}

	switch p := ev.Payload.(type) {
	case domain.AbusePayload:
		if strings.Contains(p.Attack, "unstable") {
			return domain.Summary{}, fmt.Errorf("mock provider internal error")
		}
		return domain.Summary{
			Text:            fmt.Sprintf("A malicious traffic attack on %s from blacklisted address %s.", orUnknown(p.VictimCountry), p.IP),
			AttackerCountry: p.AttackerCountry,
			VictimCountry:   p.VictimCountry,
		}, nil
	case domain.PulsePayload:
		if strings.Contains(p.Description, "unstable") {
			return domain.Summary{}, fmt.Errorf("mock provider internal error")
		}
		return domain.Summary{
			Text:          fmt.Sprintf("A %s attack on %s.", strings.ToLower(p.Name), orUnknown(p.Country)),
			VictimCountry: p.Country,
		}, nil
	default:
		return domain.Summary{}, fmt.Errorf("llm: %w: %q", domain.ErrUnknownSource, ev.Source)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "an unknown target"
	}
	return s
}
