package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	coreconfig "github.com/m3rciful/marketbot/core/config"
)

// Manager owns breaker state and the fallback registry. One Manager is
// built at startup and passed to everything that calls providers.
type Manager struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit

	regMu       sync.RWMutex
	strategies  map[RequestType]Strategy
	secondaries map[string]SecondaryFunc
	defaults    map[RequestType]DefaultFunc
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager. Zero fields of cfg take the defaults.
func NewManager(cfg BreakerConfig, opts ...Option) *Manager {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenTimeout <= 0 {
		cfg.HalfOpenTimeout = def.HalfOpenTimeout
	}
	m := &Manager{
		cfg:         cfg,
		now:         time.Now,
		circuits:    make(map[string]*circuit),
		strategies:  make(map[RequestType]Strategy),
		secondaries: make(map[string]SecondaryFunc),
		defaults: map[RequestType]DefaultFunc{
			RequestSearch:      defaultSearch,
			RequestChat:        defaultChat,
			RequestDescription: defaultDescription,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewManagerFromConfig builds a Manager and registers the configured strategies.
func NewManagerFromConfig(cfg coreconfig.ResilienceConfig, opts ...Option) *Manager {
	m := NewManager(BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		OpenTimeout:      time.Duration(cfg.OpenTimeoutSeconds) * time.Second,
		HalfOpenTimeout:  time.Duration(cfg.HalfOpenTimeoutSeconds) * time.Second,
	}, opts...)
	for name, st := range cfg.Strategies {
		m.RegisterStrategy(RequestType(name), Strategy{
			PrimaryTimeout: time.Duration(st.PrimaryTimeoutMS) * time.Millisecond,
			Secondaries:    append([]string(nil), st.Secondaries...),
			MaxRetries:     st.MaxRetries,
		})
	}
	return m
}

// Config returns the breaker parameters in effect.
func (m *Manager) Config() BreakerConfig {
	return m.cfg
}

// RegisterStrategy sets the fallback chain of a request type.
func (m *Manager) RegisterStrategy(t RequestType, st Strategy) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	st.Secondaries = append([]string(nil), st.Secondaries...)
	if st.MaxRetries < 0 {
		st.MaxRetries = 0
	}
	m.strategies[t] = st
}

// Strategy returns the registered strategy of t.
func (m *Manager) Strategy(t RequestType) (Strategy, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	st, ok := m.strategies[t]
	return st, ok
}

// RegisterSecondary names a fallback strategy that chains can refer to.
func (m *Manager) RegisterSecondary(name string, fn SecondaryFunc) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.secondaries[name] = fn
}

// RegisterDefault overrides the deterministic default of a request type.
func (m *Manager) RegisterDefault(t RequestType, fn DefaultFunc) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.defaults[t] = fn
}

func (m *Manager) secondary(name string) (SecondaryFunc, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	fn, ok := m.secondaries[name]
	return fn, ok
}

// Default returns the deterministic result for t. It never fails; a panicking
// custom default falls back to the canned notice.
func (m *Manager) Default(t RequestType, req Request) (res Result) {
	m.regMu.RLock()
	fn, ok := m.defaults[t]
	m.regMu.RUnlock()
	if !ok {
		fn = defaultUnknown
	}
	defer func() {
		if r := recover(); r != nil {
			res = defaultUnknown(req)
		}
	}()
	res = fn(req)
	if res.Empty() {
		res = defaultUnknown(req)
	}
	res.Source = "default"
	res.Degraded = true
	return res
}

// call runs op, turning a panic into an error.
func call(ctx context.Context, op Op) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resilience: op panicked: %v", r)
		}
	}()
	return op(ctx)
}

type outcome struct {
	res Result
	err error
}

// bounded runs op with a deadline. The op sees a context cancelled when the
// deadline passes; if it ignores cancellation its result is discarded.
func (m *Manager) bounded(ctx context.Context, op Op, d time.Duration) (Result, error) {
	if d <= 0 {
		return call(ctx, op)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := call(ctx, op)
		done <- outcome{res: res, err: err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
