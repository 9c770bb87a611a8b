package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/xela07ax/threatecho/internal/connectors"
	"github.com/xela07ax/threatecho/internal/domain"
	"github.com/xela07ax/threatecho/internal/infra"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339 with zone", "2026-03-01T10:20:30+00:00", time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"otx micros without zone", "2026-03-01T10:20:30.123456", time.Date(2026, 3, 1, 10, 20, 30, 123456000, time.UTC)},
		{"plain", "2026-03-01 10:20:30", time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"garbage", "yesterday", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTimestamp(tt.input)
			assert.Equal(t, true, got.Equal(tt.want))
		})
	}
}

func TestAbuseIPDBFetch(t *testing.T) {
	var gotKey, gotConfidence string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Key")
		gotConfidence = r.URL.Query().Get("confidenceMinimum")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"ipAddress":            "203.0.113.7",
					"countryCode":          "CN",
					"abuseConfidenceScore": 100,
					"totalReports":         42,
					"lastReportedAt":       "2026-03-01T10:20:30+00:00",
				},
			},
		})
	}))
	defer srv.Close()

	client := NewAbuseIPDBClient(infra.AbuseIPDBConfig{
		FeedConfig:    infra.FeedConfig{APIKey: "abuse-key", URL: srv.URL, Timeout: time.Second},
		ConfidenceMin: 90,
		VictimCountry: "US",
	})

	events, err := client.Fetch(context.Background())

	assert.Equal(t, nil, err)
	assert.Equal(t, "abuse-key", gotKey)
	assert.Equal(t, "90", gotConfidence)
	assert.Equal(t, 1, len(events))

	ev := events[0]
	assert.Equal(t, domain.SourceAbuseIPDB, ev.Source)
	assert.Equal(t, nil, ev.Validate())
	p := ev.Payload.(domain.AbusePayload)
	assert.Equal(t, "203.0.113.7", p.IP)
	assert.Equal(t, "CN", p.AttackerCountry)
	assert.Equal(t, "US", p.VictimCountry)
	assert.Equal(t, 100, p.ConfidenceScore)
	assert.Equal(t, 42, p.TotalReports)
}

func TestOTXFetch(t *testing.T) {
	var gotKey, gotSince, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-OTX-API-KEY")
		gotSince = r.URL.Query().Get("modified_since")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{
					"id":                 "pulse-1",
					"name":               "Phishing wave",
					"description":        "Credential harvesting targeting banks",
					"created":            "2026-03-01T09:00:00.000000",
					"modified":           "2026-03-01T10:00:00.500000",
					"tags":               []string{"phishing"},
					"targeted_countries": []string{"Germany", "France"},
					"indicators": []map[string]interface{}{
						{"indicator": "evil.example", "type": "domain"},
						{"indicator": "198.51.100.1", "type": "IPv4"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	client := NewOTXClient(infra.OTXConfig{
		FeedConfig: infra.FeedConfig{APIKey: "otx-key", URL: srv.URL, Timeout: time.Second},
		Since:      time.Hour,
		Limit:      20,
	})
	client.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	events, err := client.Fetch(context.Background())

	assert.Equal(t, nil, err)
	assert.Equal(t, "otx-key", gotKey)
	assert.Equal(t, "2026-03-01T11:00:00", gotSince)
	assert.Equal(t, "20", gotLimit)
	assert.Equal(t, 1, len(events))

	ev := events[0]
	assert.Equal(t, domain.SourceOTX, ev.Source)
	assert.Equal(t, true, ev.Timestamp.Equal(time.Date(2026, 3, 1, 10, 0, 0, 500000000, time.UTC)))
	p := ev.Payload.(domain.PulsePayload)
	assert.Equal(t, "pulse-1", p.PulseID)
	assert.Equal(t, "Germany", p.Country)
	assert.Equal(t, "evil.example", p.Indicator)
	assert.Equal(t, "domain", p.IndicatorType)
}

func TestFetchErrors(t *testing.T) {
	t.Run("throttled", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := NewAbuseIPDBClient(infra.AbuseIPDBConfig{FeedConfig: infra.FeedConfig{URL: srv.URL, Timeout: time.Second}})
		_, err := client.Fetch(context.Background())

		var fe *FetchError
		assert.Equal(t, true, errors.As(err, &fe))
		assert.Equal(t, http.StatusTooManyRequests, fe.StatusCode)

		var te *connectors.ThrottleError
		assert.Equal(t, true, errors.As(err, &te))
		assert.Equal(t, 7*time.Second, te.RetryAfter)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewOTXClient(infra.OTXConfig{FeedConfig: infra.FeedConfig{URL: srv.URL, Timeout: time.Second}})
		_, err := client.Fetch(context.Background())

		var fe *FetchError
		assert.Equal(t, true, errors.As(err, &fe))
		assert.Equal(t, domain.SourceOTX, fe.Source)
		assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	})

	t.Run("bad body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}))
		defer srv.Close()

		client := NewOTXClient(infra.OTXConfig{FeedConfig: infra.FeedConfig{URL: srv.URL, Timeout: time.Second}})
		_, err := client.Fetch(context.Background())

		var fe *FetchError
		assert.Equal(t, true, errors.As(err, &fe))
	})
}
