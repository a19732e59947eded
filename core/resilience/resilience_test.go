package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/marketbot/core/config"
)

var errBoom = errors.New("provider down")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(threshold int) (*Manager, *clock) {
	clk := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(BreakerConfig{
		FailureThreshold: threshold,
		OpenTimeout:      time.Minute,
		HalfOpenTimeout:  50 * time.Millisecond,
	}, WithClock(clk.Now))
	return m, clk
}

func failing(calls *atomic.Int32) Op {
	return func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{}, errBoom
	}
}

func succeeding(calls *atomic.Int32) Op {
	return func(context.Context) (Result, error) {
		calls.Add(1)
		return Result{Text: "ok"}, nil
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	m, clk := newTestManager(3)
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		_, err := m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
		require.ErrorIs(t, err, errBoom)
	}
	st := m.Circuit("llm")
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, clk.Now(), st.LastFailureAt)

	// within the open timeout the op is not invoked
	clk.Advance(59 * time.Second)
	_, err := m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())

	// other keys are independent
	_, err = m.ExecuteWithCircuitBreaker(ctx, succeeding(&calls), "other")
	assert.NoError(t, err)
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	m, clk := newTestManager(1)
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	require.Equal(t, StateOpen, m.Circuit("llm").State)
	clk.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	var trialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, trialErr = m.ExecuteWithCircuitBreaker(ctx, func(context.Context) (Result, error) {
			close(started)
			<-release
			return Result{Text: "recovered"}, nil
		}, "llm")
	}()
	<-started

	assert.Equal(t, StateHalfOpen, m.Circuit("llm").State)
	_, err := m.ExecuteWithCircuitBreaker(ctx, succeeding(&calls), "llm")
	assert.ErrorIs(t, err, ErrCircuitOpen, "second call during the trial must be rejected")

	close(release)
	wg.Wait()
	require.NoError(t, trialErr)

	st := m.Circuit("llm")
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	m, clk := newTestManager(2)
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 2; i++ {
		_, _ = m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	}
	clk.Advance(time.Minute)
	_, err := m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, StateOpen, m.Circuit("llm").State)

	// timer restarted at the trial failure
	clk.Advance(30 * time.Second)
	_, err = m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreakerTrialBoundedByHalfOpenTimeout(t *testing.T) {
	m, clk := newTestManager(1)
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	clk.Advance(time.Minute)

	cancelled := make(chan struct{})
	_, err := m.ExecuteWithCircuitBreaker(ctx, func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		close(cancelled)
		return Result{}, ctx.Err()
	}, "llm")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-cancelled
	assert.Equal(t, StateOpen, m.Circuit("llm").State)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	m, _ := newTestManager(3)
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	_, _ = m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	_, _ = m.ExecuteWithCircuitBreaker(ctx, succeeding(&calls), "llm")
	assert.Equal(t, 0, m.Circuit("llm").ConsecutiveFailures)

	_, _ = m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	_, _ = m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	assert.Equal(t, StateClosed, m.Circuit("llm").State)
}

func TestBreakerRecoversPanics(t *testing.T) {
	m, _ := newTestManager(1)
	_, err := m.ExecuteWithCircuitBreaker(context.Background(), func(context.Context) (Result, error) {
		panic("bad provider")
	}, "llm")
	require.Error(t, err)
	assert.Equal(t, StateOpen, m.Circuit("llm").State)
}

func TestSnapshotSorted(t *testing.T) {
	m, _ := newTestManager(1)
	var calls atomic.Int32
	_, _ = m.ExecuteWithCircuitBreaker(context.Background(), succeeding(&calls), "b")
	_, _ = m.ExecuteWithCircuitBreaker(context.Background(), failing(&calls), "a")
	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, StateOpen, snap[0].State)
	assert.Equal(t, StateClosed, snap[1].State)
}

func TestFallbackNeverFailsWithoutProviders(t *testing.T) {
	m, _ := newTestManager(5)
	ctx := context.Background()
	var calls atomic.Int32

	search := m.ExecuteWithFallback(ctx, failing(&calls), RequestSearch, Request{Query: "xe đạp"})
	assert.True(t, search.Degraded)
	assert.Equal(t, "default", search.Source)
	assert.NotEmpty(t, search.Items)
	assert.Contains(t, search.Items[0], "xe đạp")

	chat := m.ExecuteWithFallback(ctx, failing(&calls), RequestChat, Request{Text: "Ship hàng thế nào?"})
	assert.Contains(t, chat.Text, "giao hàng")

	desc := m.ExecuteWithFallback(ctx, nil, RequestDescription, Request{Text: " Máy còn mới "})
	assert.Equal(t, "Máy còn mới", desc.Text)

	unknown := m.ExecuteWithFallback(ctx, failing(&calls), RequestType("weather"), Request{})
	assert.Equal(t, unknownNotice, unknown.Text)

	panicky := m.ExecuteWithFallback(ctx, func(context.Context) (Result, error) { panic("x") }, RequestSearch, Request{})
	assert.NotEmpty(t, panicky.Items)

	empty := m.ExecuteWithFallback(ctx, func(context.Context) (Result, error) { return Result{}, nil }, RequestChat, Request{})
	assert.True(t, empty.Degraded)
	assert.NotEmpty(t, empty.Text)
}

func TestFallbackPrimarySuccess(t *testing.T) {
	m, _ := newTestManager(5)
	var calls atomic.Int32
	m.RegisterStrategy(RequestChat, Strategy{PrimaryTimeout: time.Second})
	res := m.ExecuteWithFallback(context.Background(), succeeding(&calls), RequestChat, Request{})
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "primary", res.Source)
	assert.False(t, res.Degraded)
}

func TestFallbackTimeoutRunsBasicSearch(t *testing.T) {
	m, _ := newTestManager(5)
	m.RegisterStrategy(RequestSearch, Strategy{
		PrimaryTimeout: 30 * time.Millisecond,
		Secondaries:    []string{"basic_search"},
	})
	m.RegisterSecondary("basic_search", func(_ context.Context, req Request) (Result, error) {
		return Result{Text: "Kết quả cho " + req.Query, Items: []string{"Xe đạp - 1.500.000đ"}}, nil
	})

	primaryCancelled := make(chan struct{})
	slow := func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		close(primaryCancelled)
		return Result{}, ctx.Err()
	}

	start := time.Now()
	res := m.ExecuteWithFallback(context.Background(), slow, RequestSearch, Request{Query: "xe"})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "basic_search", res.Source)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Items)

	select {
	case <-primaryCancelled:
	case <-time.After(time.Second):
		t.Fatal("timed-out primary was not cancelled")
	}
}

func TestFallbackRetriesThenSecondariesInOrder(t *testing.T) {
	m, _ := newTestManager(100)
	m.RegisterStrategy(RequestChat, Strategy{
		PrimaryTimeout: time.Second,
		Secondaries:    []string{"missing", "first", "second"},
		MaxRetries:     2,
	})
	var order []string
	m.RegisterSecondary("first", func(context.Context, Request) (Result, error) {
		order = append(order, "first")
		return Result{}, errBoom
	})
	m.RegisterSecondary("second", func(context.Context, Request) (Result, error) {
		order = append(order, "second")
		return Result{Text: "from second"}, nil
	})

	var calls atomic.Int32
	res := m.ExecuteWithFallback(context.Background(), failing(&calls), RequestChat, Request{})
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "second", res.Source)
	assert.Equal(t, "from second", res.Text)
}

func TestFallbackComposesWithBreaker(t *testing.T) {
	m, _ := newTestManager(2)
	m.RegisterStrategy(RequestChat, Strategy{PrimaryTimeout: time.Second, MaxRetries: 3})

	var calls atomic.Int32
	primary := func(ctx context.Context) (Result, error) {
		return m.ExecuteWithCircuitBreaker(ctx, failing(&calls), "llm")
	}

	// two failing attempts open the breaker, the third is rejected and ends retries
	res := m.ExecuteWithFallback(context.Background(), primary, RequestChat, Request{Text: "hello"})
	assert.Equal(t, "default", res.Source)
	assert.Equal(t, int32(2), calls.Load())

	res = m.ExecuteWithFallback(context.Background(), primary, RequestChat, Request{Text: "hello"})
	assert.Equal(t, "default", res.Source)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must fail fast")
}

func TestNewManagerFromConfig(t *testing.T) {
	m := NewManagerFromConfig(coreconfig.ResilienceConfig{
		FailureThreshold:       4,
		OpenTimeoutSeconds:     10,
		HalfOpenTimeoutSeconds: 5,
		Strategies: map[string]coreconfig.StrategyConfig{
			"search": {PrimaryTimeoutMS: 1500, Secondaries: []string{"basic_search"}, MaxRetries: 1},
		},
	})
	assert.Equal(t, 4, m.Config().FailureThreshold)
	assert.Equal(t, 10*time.Second, m.Config().OpenTimeout)
	st, ok := m.Strategy(RequestSearch)
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, st.PrimaryTimeout)
	assert.Equal(t, []string{"basic_search"}, st.Secondaries)

	def := NewManager(BreakerConfig{})
	assert.Equal(t, DefaultBreakerConfig(), def.Config())
}
