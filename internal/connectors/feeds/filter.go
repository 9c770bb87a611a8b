package feeds

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/xela07ax/threatecho/internal/domain"
)

// Filter - CEL-выражение допуска кандидата до записи в БД.
// Пустое выражение отключает фильтр: Allow всегда true.
//
// Доступные переменные:
//
//	source  string            - тег фида ("AbuseIPDB", "OTX")
//	ts_ms   int               - время события, мс от эпохи
//	now_ms  int               - текущее время, мс
//	payload map(string, dyn)  - поля ветки payload (имена как в JSON)
//
// Пример: source == "AbuseIPDB" && payload.confidence_score >= 90
type Filter struct {
	expr    string
	prog    cel.Program
	enabled bool
}

func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("source", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("filter parse: %w", iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, fmt.Errorf("filter check: %w", iss2.Err())
	}
	if out := checked.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter %q must evaluate to bool, got %v", expr, out)
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prog: prog, enabled: true}, nil
}

func (f *Filter) Enabled() bool { return f != nil && f.enabled }

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Allow вычисляет выражение для события. Ошибка вычисления (например,
// отсутствующее поле) возвращается вызывающему: он решает, логировать ли и отбросить.
func (f *Filter) Allow(ev domain.Event) (bool, error) {
	if !f.Enabled() {
		return true, nil
	}
	out, _, err := f.prog.Eval(map[string]any{
		"source":  string(ev.Source),
		"ts_ms":   ev.Timestamp.UnixMilli(),
		"now_ms":  time.Now().UnixMilli(),
		"payload": payloadVars(ev.Payload),
	})
	if err != nil {
		return false, fmt.Errorf("filter eval: %w", err)
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

// payloadVars раскладывает ветку в map с CEL-совместимыми типами (int64 для чисел).
func payloadVars(p domain.Payload) map[string]any {
	switch v := p.(type) {
	case domain.AbusePayload:
		return map[string]any{
			"ip":               v.IP,
			"attacker_country": v.AttackerCountry,
			"victim_country":   v.VictimCountry,
			"attack":           v.Attack,
			"confidence_score": int64(v.ConfidenceScore),
			"total_reports":    int64(v.TotalReports),
		}
	case domain.PulsePayload:
		tags := make([]any, 0, len(v.Tags))
		for _, t := range v.Tags {
			tags = append(tags, t)
		}
		return map[string]any{
			"pulse_id":       v.PulseID,
			"name":           v.Name,
			"description":    v.Description,
			"country":        v.Country,
			"indicator":      v.Indicator,
			"indicator_type": v.IndicatorType,
			"tags":           tags,
		}
	}
	return map[string]any{}
}
