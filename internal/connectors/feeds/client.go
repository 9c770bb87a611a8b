// Package feeds содержит клиенты внешних фидов угроз (Ingestor'ы).
// Каждый клиент отдает конечную пачку кандидатов в domain.Event и ничего не пишет сам.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/xela07ax/threatecho/internal/connectors"
	"github.com/xela07ax/threatecho/internal/domain"
)

// FetchError - сбой одного вызова фида: сеть, не-2xx статус или битый ответ.
type FetchError struct {
	Source     domain.Source
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feeds: %s fetch failed [%d]: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("feeds: %s fetch failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPDoer - то, что нужно клиентам фидов от http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient - клиент с жесткими таймаутами: вызов фида не должен пережить grace period.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// getJSON выполняет GET и декодирует тело в out. Все ошибки - *FetchError.
func getJSON(ctx context.Context, client HTTPDoer, src domain.Source, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &FetchError{Source: src, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &FetchError{Source: src, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &FetchError{Source: src, StatusCode: resp.StatusCode, Err: &connectors.ThrottleError{
			RetryAfter: connectors.ParseRetryAfter(resp.Header, time.Minute),
			Cause:      fmt.Errorf("rate limited by %s", src),
		}}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &FetchError{Source: src, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body)))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Source: src, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// Фиды отдают время в разных форматах (OTX - без зоны, с микросекундами).
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp возвращает нулевое время, если формат не распознан;
// такой кандидат отсеется валидацией до записи.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
