package logger

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status maps an error onto the status vocabulary accepted by the handler.
// Cancellation is reported separately so shutdowns do not read as failures.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "fail"
	}
}

// RoundMS rounds d to the millisecond. Negative durations become zero.
func RoundMS(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d.Round(time.Millisecond)
}

// SinceMS is the duration_ms value for an operation that began at start.
func SinceMS(start time.Time) int64 {
	return RoundMS(time.Since(start)).Milliseconds()
}

// SummarizeStrings joins at most limit values with ", " and reports whether
// anything was left out.
func SummarizeStrings(values []string, limit int) (string, bool) {
	if limit <= 0 {
		return "", len(values) > 0
	}
	if len(values) <= limit {
		return strings.Join(values, ", "), false
	}
	return strings.Join(values[:limit], ", "), true
}
