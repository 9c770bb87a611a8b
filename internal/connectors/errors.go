package connectors

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ThrottleError - внешний сервис попросил подождать (HTTP 429 / Retry-After).
// ReliabilityWrapper использует RetryAfter как задержку перед следующей попыткой.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// ParseRetryAfter читает заголовок Retry-After (секунды или HTTP-дата).
// Если заголовка нет, возвращает fallback.
func ParseRetryAfter(h http.Header, fallback time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
