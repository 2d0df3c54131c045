package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrorForStatus maps an HTTP status code from a stage backend or async
// provider to the failure taxonomy. It returns nil for 2xx codes.
func ErrorForStatus(code int, retryAfter time.Duration, detail string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("status %d", code)
	if detail = strings.TrimSpace(detail); detail != "" {
		err = fmt.Errorf("status %d: %s", code, detail)
	}
	switch {
	case code == 400 || code == 404 || code == 409 || code == 415 || code == 422:
		return Validation(err)
	case code == 413:
		return Exhausted(err)
	case code == 429:
		return RateLimited(err, retryAfter)
	case code == 503 && retryAfter > 0:
		return RateLimited(err, retryAfter)
	default:
		return Transient(err)
	}
}

// ParseRetryAfter reads a Retry-After header value, either delay seconds or
// an HTTP date. Unparseable or past values give 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
