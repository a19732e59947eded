// Package augment wraps optional text-generation providers behind the
// resilience manager so that flows always get a reply.
package augment

import (
	"context"
	"time"
)

// Prompt is one generation request.
type Prompt struct {
	System    string
	User      string
	MaxTokens int
}

// Completion is a provider reply.
type Completion struct {
	Text  string
	Model string
}

// Status is a provider health report.
type Status struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Breaker   string `json:"breaker"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Provider is an external generation backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, p Prompt) (Completion, error)
	IsAvailable() bool
	Health(ctx context.Context) Status
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
