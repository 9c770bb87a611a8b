package feeds

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/infra"
)

// AbuseIPDBClient тянет blacklist AbuseIPDB: адреса с высокой уверенностью в злонамеренности.
type AbuseIPDBClient struct {
	baseURL       string
	apiKey        string
	confidenceMin int
	victimCountry string
	httpClient    HTTPDoer
}

func NewAbuseIPDBClient(cfg infra.AbuseIPDBConfig) *AbuseIPDBClient {
	return &AbuseIPDBClient{
		baseURL:       cfg.URL,
		apiKey:        cfg.APIKey,
		confidenceMin: cfg.ConfidenceMin,
		victimCountry: cfg.VictimCountry,
		httpClient:    NewHTTPClient(cfg.Timeout),
	}
}

func (c *AbuseIPDBClient) Source() domain.Source { return domain.SourceAbuseIPDB }

func (c *AbuseIPDBClient) Fetch(ctx context.Context) ([]domain.Event, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, &FetchError{Source: c.Source(), Err: err}
	}
	q := u.Query()
	q.Set("confidenceMinimum", strconv.Itoa(c.confidenceMin))
	u.RawQuery = q.Encode()

	var raw abuseResponse
	headers := map[string]string{"Key": c.apiKey}
	if err := getJSON(ctx, c.httpClient, c.Source(), u.String(), headers, &raw); err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(raw.Data))
	for _, item := range raw.Data {
		events = append(events, domain.Event{
			Source:    c.Source(),
			Timestamp: parseTimestamp(item.LastReportedAt),
			Payload: domain.AbusePayload{
				IP:              item.IPAddress,
				AttackerCountry: item.CountryCode,
				VictimCountry:   c.victimCountry,
				Attack:          fmt.Sprintf("IP %s blacklisted with abuse confidence %d%%", item.IPAddress, item.AbuseConfidenceScore),
				ConfidenceScore: item.AbuseConfidenceScore,
				TotalReports:    item.TotalReports,
			},
		})
	}
	return events, nil
}

type abuseResponse struct {
	Data []abuseItem `json:"data"`
}

type abuseItem struct {
	IPAddress            string `json:"ipAddress"`
	CountryCode          string `json:"countryCode"`
	AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
	TotalReports         int    `json:"totalReports"`
	LastReportedAt       string `json:"lastReportedAt"`
}
