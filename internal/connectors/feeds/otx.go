package feeds

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/infra"
)

// OTXClient тянет пульсы из подписок AlienVault OTX, измененные за окно since.
// Один пульс - одно событие; из индикаторов берется первый.
type OTXClient struct {
	baseURL    string
	apiKey     string
	since      time.Duration
	limit      int
	httpClient HTTPDoer
	now        func() time.Time
}

func NewOTXClient(cfg infra.OTXConfig) *OTXClient {
	return &OTXClient{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		since:      cfg.Since,
		limit:      cfg.Limit,
		httpClient: NewHTTPClient(cfg.Timeout),
		now:        time.Now,
	}
}

func (c *OTXClient) Source() domain.Source { return domain.SourceOTX }

func (c *OTXClient) Fetch(ctx context.Context) ([]domain.Event, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, &FetchError{Source: c.Source(), Err: err}
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(c.limit))
	q.Set("modified_since", c.now().UTC().Add(-c.since).Format("2006-01-02T15:04:05"))
	u.RawQuery = q.Encode()

	var raw otxResponse
	headers := map[string]string{"X-OTX-API-KEY": c.apiKey}
	if err := getJSON(ctx, c.httpClient, c.Source(), u.String(), headers, &raw); err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(raw.Results))
	for _, p := range raw.Results {
		ts := parseTimestamp(p.Modified)
		if ts.IsZero() {
			ts = parseTimestamp(p.Created)
		}

		payload := domain.PulsePayload{
			PulseID:     p.ID,
			Name:        p.Name,
			Description: p.Description,
			Tags:        p.Tags,
		}
		if len(p.TargetedCountries) > 0 {
			payload.Country = p.TargetedCountries[0]
		}
		if len(p.Indicators) > 0 {
			payload.Indicator = p.Indicators[0].Indicator
			payload.IndicatorType = p.Indicators[0].Type
		}

		events = append(events, domain.Event{
			Source:    c.Source(),
			Timestamp: ts,
			Payload:   payload,
		})
	}
	return events, nil
}

type otxResponse struct {
	Results []otxPulse `json:"results"`
}

type otxPulse struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	Created           string         `json:"created"`
	Modified          string         `json:"modified"`
	Tags              []string       `json:"tags"`
	TargetedCountries []string       `json:"targeted_countries"`
	Indicators        []otxIndicator `json:"indicators"`
}

type otxIndicator struct {
	Indicator string `json:"indicator"`
	Type      string `json:"type"`
}
