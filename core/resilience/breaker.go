package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/m3rciful/marketbot/core/logger"
)

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
	trial       bool
}

// ExecuteWithCircuitBreaker runs op behind the breaker of key. While the
// breaker is OPEN and the open timeout has not elapsed, op is not invoked and
// ErrCircuitOpen is returned. The first call after the timeout is the single
// HALF_OPEN trial, bounded by the half-open timeout.
func (m *Manager) ExecuteWithCircuitBreaker(ctx context.Context, op Op, key string) (Result, error) {
	trial, err := m.acquire(ctx, key)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if trial {
		res, err = m.bounded(ctx, op, m.cfg.HalfOpenTimeout)
	} else {
		res, err = call(ctx, op)
	}
	m.record(ctx, key, trial, err)
	return res, err
}

func (m *Manager) acquire(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitLocked(key)
	switch c.state {
	case StateOpen:
		if m.now().Sub(c.lastFailure) < m.cfg.OpenTimeout {
			return false, ErrCircuitOpen
		}
		c.state = StateHalfOpen
		c.trial = true
		logger.Info(ctx, "resilience", "breaker.half_open",
			slog.String("provider", key),
			slog.String("breaker", string(StateHalfOpen)),
		)
		return true, nil
	case StateHalfOpen:
		if c.trial {
			return false, ErrCircuitOpen
		}
		c.trial = true
		return true, nil
	default:
		return false, nil
	}
}

func (m *Manager) record(ctx context.Context, key string, trial bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitLocked(key)
	if !trial && c.state != StateClosed {
		// a call that started before the breaker opened must not move it
		return
	}
	if trial {
		c.trial = false
	}

	if err == nil {
		if c.state != StateClosed {
			logger.Info(ctx, "resilience", "breaker.closed",
				slog.String("provider", key),
				slog.String("breaker", string(StateClosed)),
			)
		}
		c.state = StateClosed
		c.failures = 0
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// the caller went away; that says nothing about the provider
		return
	}

	c.failures++
	c.lastFailure = m.now()
	if trial || c.failures >= m.cfg.FailureThreshold {
		if c.state != StateOpen {
			logger.Warn(ctx, "resilience", "breaker.open",
				slog.String("provider", key),
				slog.String("breaker", string(StateOpen)),
				slog.Int("attempts", c.failures),
				logger.Err(err),
			)
		}
		c.state = StateOpen
	}
}

func (m *Manager) circuitLocked(key string) *circuit {
	c, ok := m.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		m.circuits[key] = c
	}
	return c
}

// Circuit returns the current record of key. Unknown keys read as CLOSED.
func (m *Manager) Circuit(key string) CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[key]
	if !ok {
		return CircuitState{Key: key, State: StateClosed}
	}
	return snapshotOf(key, c)
}

// Snapshot returns every known breaker sorted by key. OPEN breakers whose
// timeout elapsed still read OPEN until the next call moves them.
func (m *Manager) Snapshot() []CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CircuitState, 0, len(m.circuits))
	for key, c := range m.circuits {
		out = append(out, snapshotOf(key, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func snapshotOf(key string, c *circuit) CircuitState {
	return CircuitState{
		Key:                 key,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		LastFailureAt:       c.lastFailure,
	}
}
