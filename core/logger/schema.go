package logger

import "strings"

// enum is a closed vocabulary for one log field. Keys are lower case.
type enum map[string]string

func (e enum) lookup(v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", false
	}
	mapped, ok := e[v]
	return mapped, ok
}

var levels = enum{
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
	"fatal":   "FATAL",
}

// statuses covers dispatch, flow and transport outcomes.
var statuses = enum{
	"ok":           "ok",
	"fail":         "fail",
	"skip":         "skip",
	"retry":        "retry",
	"rate_limited": "rate_limited",
	"cancelled":    "cancelled",
	"blocked":      "blocked",
	"degraded":     "degraded",
}

var breakerStates = enum{
	"closed":    "CLOSED",
	"open":      "OPEN",
	"half_open": "HALF_OPEN",
	"half-open": "HALF_OPEN",
}

var outcomes = enum{
	"ok":           "ok",
	"fail":         "fail",
	"cancelled":    "cancelled",
	"rate_limited": "rate_limited",
	"degraded":     "degraded",
}

// enumField says how a field is checked. Unknown statuses are kept verbatim
// for debugging; unknown breaker states and outcomes are dropped.
type enumField struct {
	key         string
	values      enum
	dropUnknown bool
}

var enumFields = []enumField{
	{key: "status", values: statuses},
	{key: "breaker", values: breakerStates, dropUnknown: true},
	{key: "outcome", values: outcomes, dropUnknown: true},
}

func normalizeLevel(level string) string {
	if level == "" {
		return "INFO"
	}
	if mapped, ok := levels.lookup(level); ok {
		return mapped
	}
	return strings.ToUpper(level)
}

func normalizeStatus(status string) (string, bool) {
	if mapped, ok := statuses.lookup(status); ok {
		return mapped, true
	}
	return strings.ToLower(strings.TrimSpace(status)), false
}

// defaultKeyOrder puts correlation fields first and the conversation domain
// fields after them. Anything not listed follows in alphabetical order.
var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"status",
	"rid",
	"ts_unix_nano",
	"event_id",
	"user_id",
	"handler",
	"flow",
	"step",
	"action",
	"outcome",
	"duration_ms",
	"request_type",
	"provider",
	"breaker",
	"strategy",
	"attempt",
	"attempts",
	"admin_id",
	"chat_id",
	"listing_id",
	"payment_id",
	"payload",
	"mode",
	"listen",
	"public_url",
	"http_code",
	"db",
	"err",
	"err_code",
	"cause",
	"reason",
	"retryable",
	"backoff_ms",
}
