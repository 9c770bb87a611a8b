package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Source - тег фида, из которого пришло событие.
type Source string

const (
	SourceAbuseIPDB Source = "AbuseIPDB" // репутационный список IP
	SourceOTX       Source = "OTX"       // подписка на пульсы AlienVault OTX
)

// KnownSources - источники, для которых есть ветка payload.
func KnownSources() []Source {
	return []Source{SourceAbuseIPDB, SourceOTX}
}

// Payload - закрытый tagged union: ровно одна ветка на источник.
// Новая ветка добавляется вместе с новым Ingestor'ом.
type Payload interface {
	Source() Source
	isPayload()
}

// AbusePayload - ветка AbuseIPDB: атакующий IP и страны атаки.
type AbusePayload struct {
	IP              string `json:"ip"`
	AttackerCountry string `json:"attacker_country"`
	VictimCountry   string `json:"victim_country,omitempty"`
	Attack          string `json:"attack"`
	ConfidenceScore int    `json:"confidence_score"`
	TotalReports    int    `json:"total_reports,omitempty"`
}

func (AbusePayload) Source() Source { return SourceAbuseIPDB }
func (AbusePayload) isPayload()     {}

// PulsePayload - ветка OTX: именованный отчет (пульс) и первый индикатор из него.
type PulsePayload struct {
	PulseID       string   `json:"pulse_id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Country       string   `json:"country,omitempty"`
	Indicator     string   `json:"indicator,omitempty"`
	IndicatorType string   `json:"indicator_type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

func (PulsePayload) Source() Source { return SourceOTX }
func (PulsePayload) isPayload()     {}

// Event - запись из фида. Пара (Source, Timestamp) уникальна на уровне хранилища.
type Event struct {
	ID        int64     `json:"id"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

var (
	ErrUnknownSource   = errors.New("unknown event source")
	ErrPayloadMismatch = errors.New("payload does not match event source")
)

// Validate проверяет кандидата до записи в БД,
// чтобы один битый элемент не откатывал всю пачку.
func (e Event) Validate() error {
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s: zero timestamp", e.Source)
	}
	if e.Payload == nil {
		return fmt.Errorf("event %s: empty payload", e.Source)
	}
	if e.Payload.Source() != e.Source {
		return fmt.Errorf("event %s: %w (got %s)", e.Source, ErrPayloadMismatch, e.Payload.Source())
	}
	return nil
}

// EncodePayload сериализует ветку для колонки payload (JSONB).
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload выбирает ветку union по дискриминатору source.
func DecodePayload(src Source, raw []byte) (Payload, error) {
	switch src {
	case SourceAbuseIPDB:
		var p AbusePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", src, err)
		}
		return p, nil
	case SourceOTX:
		var p PulsePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", src, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
}

// UnmarshalJSON нужен для обратного чтения записей (например, из Redis-очереди):
// интерфейсное поле Payload само по себе не декодируется.
func (e *Event) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID        int64           `json:"id"`
		Source    Source          `json:"source"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.ID, e.Source, e.Timestamp = aux.ID, aux.Source, aux.Timestamp
	e.Payload = nil
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	p, err := DecodePayload(aux.Source, aux.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}
