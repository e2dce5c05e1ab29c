package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
)

// IsTemporary classifies a delivery error as retryable (4xx-class or
// transient infrastructure failure) versus permanent (5xx-class). Unknown
// errors default to permanent so broken destinations do not retry forever.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var tempErr interface{ Temporary() bool }
	if errors.As(err, &tempErr) && tempErr.Temporary() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()

	// 4xx SMTP replies are temporary by definition.
	for _, code := range []string{"421", "450", "451", "452", "454"} {
		if strings.HasPrefix(msg, code) || strings.Contains(msg, " "+code+" ") {
			return true
		}
	}

	// 5xx replies are permanent.
	for _, code := range []string{"550", "551", "552", "553", "554"} {
		if strings.HasPrefix(msg, code) || strings.Contains(msg, " "+code+" ") {
			return false
		}
	}

	lower := strings.ToLower(msg)
	for _, pattern := range []string{
		"temporary",
		"try again",
		"busy",
		"throttled",
		"rate limit",
		"timeout",
		"connection refused",
		"network error",
		"no such host",
		"greylisted",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
