package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m3rciful/marketbot/core/logger"
)

// ExecuteWithFallback runs primary under the strategy registered for t and
// walks the secondaries on failure. It always returns a usable Result: when
// every attempt fails, or t has no strategy and primary fails, the
// deterministic default of t is returned.
func (m *Manager) ExecuteWithFallback(ctx context.Context, primary Op, t RequestType, req Request) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "resilience", "fallback.panic",
				slog.String("request_type", string(t)),
				slog.Any("cause", r),
			)
			res = m.Default(t, req)
		}
		status := "ok"
		if res.Degraded {
			status = "degraded"
		}
		logger.Debug(ctx, "resilience", "fallback.done",
			slog.String("status", status),
			slog.String("request_type", string(t)),
			slog.String("strategy", res.Source),
			slog.Duration("duration", logger.RoundMS(time.Since(start))),
		)
	}()

	st, ok := m.Strategy(t)
	if !ok {
		r, err := m.runPrimary(ctx, primary, 0)
		if err == nil {
			return r
		}
		logFailure(ctx, t, "primary", 1, err)
		return m.Default(t, req)
	}

	attempts := st.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := m.runPrimary(ctx, primary, st.PrimaryTimeout)
		if err == nil {
			return r
		}
		logFailure(ctx, t, "primary", attempt, err)
		if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			break
		}
	}

	for _, name := range st.Secondaries {
		if ctx.Err() != nil {
			break
		}
		fn, ok := m.secondary(name)
		if !ok {
			logger.Warn(ctx, "resilience", "fallback.secondary.missing",
				slog.String("request_type", string(t)),
				slog.String("strategy", name),
			)
			continue
		}
		r, err := m.bounded(ctx, func(ctx context.Context) (Result, error) { return fn(ctx, req) }, st.PrimaryTimeout)
		if err == nil && r.Empty() {
			err = ErrEmptyResult
		}
		if err != nil {
			logFailure(ctx, t, name, 1, err)
			continue
		}
		r.Source = name
		r.Degraded = true
		logger.Info(ctx, "resilience", "fallback.secondary",
			slog.String("status", "degraded"),
			slog.String("request_type", string(t)),
			slog.String("strategy", name),
		)
		return r
	}

	return m.Default(t, req)
}

func (m *Manager) runPrimary(ctx context.Context, primary Op, timeout time.Duration) (Result, error) {
	if primary == nil {
		return Result{}, errors.New("resilience: no primary")
	}
	r, err := m.bounded(ctx, primary, timeout)
	if err != nil {
		return Result{}, err
	}
	if r.Empty() {
		return Result{}, ErrEmptyResult
	}
	if r.Source == "" {
		r.Source = "primary"
	}
	return r, nil
}

func logFailure(ctx context.Context, t RequestType, strategy string, attempt int, err error) {
	status := "fail"
	if errors.Is(err, ErrCircuitOpen) {
		status = "skip"
	}
	logger.Warn(ctx, "resilience", "fallback.attempt",
		slog.String("status", status),
		slog.String("request_type", string(t)),
		slog.String("strategy", strategy),
		slog.Int("attempt", attempt),
		logger.Err(err),
	)
}
