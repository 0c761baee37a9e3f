package baas

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Backoff is the exponential retry schedule shared by the HTTP clients of
// this module: Base doubling per attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) withDefaults(base, max time.Duration) Backoff {
	if b.Base <= 0 {
		b.Base = base
	}
	if b.Max <= 0 {
		b.Max = max
	}
	return b
}

// Delay returns the wait before retry number attempt (1-based). A
// Retry-After header wins when present, still capped at Max.
func (b Backoff) Delay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := ParseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > b.Max {
			return b.Max
		}
		return retryAfter
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// ParseRetryAfter accepts both the delta-seconds and HTTP-date forms.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay
		}
	}
	return 0
}

func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
