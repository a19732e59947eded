// Package resilience keeps optional augmentation calls from ever leaving a
// user without a reply. It combines a per-key circuit breaker with a
// per-request-type fallback chain that ends in a deterministic default.
package resilience

import (
	"context"
	"errors"
	"time"
)

// RequestType selects the fallback strategy and the deterministic default.
type RequestType string

const (
	RequestSearch      RequestType = "search"
	RequestChat        RequestType = "chat"
	RequestDescription RequestType = "description"
)

// Request carries the inputs a secondary strategy or default may need.
type Request struct {
	UserID   string
	Query    string
	Category string
	Text     string
}

// Result is a reply usable by a flow. Degraded is set when anything other
// than the primary produced it.
type Result struct {
	Text     string
	Items    []string
	Source   string
	Degraded bool
}

// Empty reports whether the result has nothing to show.
func (r Result) Empty() bool {
	return r.Text == "" && len(r.Items) == 0
}

// Op is a fallible operation. It must honour ctx cancellation.
type Op func(ctx context.Context) (Result, error)

// SecondaryFunc is a named fallback strategy.
type SecondaryFunc func(ctx context.Context, req Request) (Result, error)

// DefaultFunc builds the last-resort result. It must not fail.
type DefaultFunc func(req Request) Result

// Strategy configures the fallback chain of one request type. It is
// read-only once registered.
type Strategy struct {
	PrimaryTimeout time.Duration
	Secondaries    []string
	MaxRetries     int
}

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitState is the breaker record of one provider key.
type CircuitState struct {
	Key                 string    `json:"key"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenTimeout  time.Duration
}

// DefaultBreakerConfig returns threshold 5, open 60s, half-open trial 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenTimeout:  30 * time.Second,
	}
}

var (
	// ErrCircuitOpen is returned without invoking the op while a breaker rejects calls.
	ErrCircuitOpen = errors.New("resilience: circuit open")
	// ErrEmptyResult marks an op that succeeded with nothing to show.
	ErrEmptyResult = errors.New("resilience: empty result")
)
