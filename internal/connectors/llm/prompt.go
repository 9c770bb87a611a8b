// Package llm - клиенты LLM-провайдеров, превращающие событие фида
// в одно человекочитаемое предложение плюс страны атакующего и жертвы.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/threatecho/internal/domain"
)

const systemPrompt = `You are an AI created to log cyber attacks. The following attack
may be a social engineering post, or may directly describe an attack.
Describe the attack in a general sense, within a single sentence of less than 25 words.
Sentence format: "A <attack> attack on <location/company> <description>".

Also name the attacker's and the victim's country when they can be inferred
(full English country name, empty string if unknown).

Output as JSON only, no other text:
{
  "summary": "one sentence",
  "attacker_country": "country or empty",
  "victim_country": "country or empty"
}`

// userPrompt собирает детали атаки по ветке payload.
func userPrompt(ev domain.Event) (string, error) {
	var sb strings.Builder
	sb.WriteString("Attack:\n")
	switch p := ev.Payload.(type) {
	case domain.PulsePayload:
		fmt.Fprintf(&sb, "Attack Name: %s\n", p.Name)
		fmt.Fprintf(&sb, "Attack Description: %s\n", p.Description)
		if p.Country != "" {
			fmt.Fprintf(&sb, "Targeted Country: %s\n", p.Country)
		}
		if p.Indicator != "" {
			fmt.Fprintf(&sb, "Indicator (%s): %s\n", p.IndicatorType, p.Indicator)
		}
	case domain.AbusePayload:
		fmt.Fprintf(&sb, "Attacker's Country: %s\n", p.AttackerCountry)
		fmt.Fprintf(&sb, "Victim's Country: %s\n", p.VictimCountry)
		fmt.Fprintf(&sb, "Attack Description: %s\n", p.Attack)
	default:
		return "", fmt.Errorf("llm: %w: %q", domain.ErrUnknownSource, ev.Source)
	}
	return sb.String(), nil
}

// parseSummary разбирает ответ модели. Пустое summary - ошибка:
// такую запись нельзя отдавать в лог.
func parseSummary(content string) (domain.Summary, error) {
	content = cleanJSONResponse(content)

	var s domain.Summary
	if err := json.Unmarshal([]byte(content), &s); err != nil {
		return domain.Summary{}, fmt.Errorf("failed to parse response: %w, content: %s", err, content)
	}
	s.Text = strings.TrimSpace(s.Text)
	if s.Text == "" {
		return domain.Summary{}, fmt.Errorf("empty summary in response: %s", content)
	}
	s.AttackerCountry = strings.TrimSpace(s.AttackerCountry)
	s.VictimCountry = strings.TrimSpace(s.VictimCountry)
	return s, nil
}

func cleanJSONResponse(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	// Модели иногда оборачивают JSON в прозу.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}
	return content
}

// fillCountries подставляет страны из самого события, если модель их не вернула.
func fillCountries(s domain.Summary, ev domain.Event) domain.Summary {
	switch p := ev.Payload.(type) {
	case domain.AbusePayload:
		if s.AttackerCountry == "" {
			s.AttackerCountry = p.AttackerCountry
		}
		if s.VictimCountry == "" {
			s.VictimCountry = p.VictimCountry
		}
	case domain.PulsePayload:
		if s.VictimCountry == "" {
			s.VictimCountry = p.Country
		}
	}
	return s
}
