// Package abuse decides whether an ordinary user's event should be dropped
// for flooding.
package abuse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/logger"
	"github.com/m3rciful/marketbot/core/textnorm"
)

// Reasons reported in a stopping Verdict.
const (
	ReasonRate      = "rate"
	ReasonDuplicate = "duplicate"
	ReasonCooldown  = "cooldown"
)

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Stop       bool
	Reason     string
	RetryAfter time.Duration
}

// Options configures a Guard.
type Options struct {
	PerMinute       int
	Burst           int
	DuplicateLimit  int
	DuplicateWindow time.Duration
	Cooldown        time.Duration
	// IdleTTL is how long an idle user is remembered before Sweep drops it.
	IdleTTL time.Duration
	Now     func() time.Time
}

// OptionsFromConfig maps the config section to Options.
func OptionsFromConfig(cfg coreconfig.AbuseConfig) Options {
	return Options{
		PerMinute:       cfg.PerMinute,
		Burst:           cfg.Burst,
		DuplicateLimit:  cfg.DuplicateLimit,
		DuplicateWindow: time.Duration(cfg.DuplicateWindow) * time.Second,
		Cooldown:        time.Duration(cfg.CooldownSeconds) * time.Second,
	}
}

type userState struct {
	limiter      *rate.Limiter
	lastText     string
	dupCount     int
	dupSince     time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// Guard tracks per-user rates in memory.
type Guard struct {
	opts  Options
	mu    sync.Mutex
	users map[string]*userState
}

// NewGuard builds a Guard; zero options take conservative defaults.
func NewGuard(opts Options) *Guard {
	if opts.PerMinute <= 0 {
		opts.PerMinute = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.DuplicateLimit <= 0 {
		opts.DuplicateLimit = 4
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 2 * time.Minute
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{opts: opts, users: make(map[string]*userState)}
}

// Evaluate records one event of userID and reports whether it must be dropped.
// Text is the free text of the event; pass "" for postbacks so that
// repeated button presses are only rate limited.
func (g *Guard) Evaluate(ctx context.Context, userID, text string) Verdict {
	now := g.opts.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.users[userID]
	if !ok {
		st = &userState{limiter: rate.NewLimiter(rate.Limit(float64(g.opts.PerMinute)/60), g.opts.Burst)}
		g.users[userID] = st
	}
	st.lastSeen = now

	if now.Before(st.blockedUntil) {
		return Verdict{Stop: true, Reason: ReasonCooldown, RetryAfter: st.blockedUntil.Sub(now)}
	}

	if !st.limiter.AllowN(now, 1) {
		return g.block(ctx, userID, st, now, ReasonRate)
	}

	if norm := textnorm.Fold(text); norm != "" {
		if norm == st.lastText && now.Sub(st.dupSince) <= g.opts.DuplicateWindow {
			st.dupCount++
		} else {
			st.lastText = norm
			st.dupCount = 1
			st.dupSince = now
		}
		if st.dupCount > g.opts.DuplicateLimit {
			return g.block(ctx, userID, st, now, ReasonDuplicate)
		}
	}
	return Verdict{}
}

func (g *Guard) block(ctx context.Context, userID string, st *userState, now time.Time, reason string) Verdict {
	st.blockedUntil = now.Add(g.opts.Cooldown)
	st.dupCount = 0
	logger.Warn(ctx, "abuse", "abuse.block",
		slog.String("status", "blocked"),
		slog.String("user_id", userID),
		slog.String("reason", reason),
	)
	return Verdict{Stop: true, Reason: reason, RetryAfter: g.opts.Cooldown}
}

// Sweep forgets users idle for longer than IdleTTL and returns how many were dropped.
func (g *Guard) Sweep() int {
	now := g.opts.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, st := range g.users {
		if now.Before(st.blockedUntil) {
			continue
		}
		if now.Sub(st.lastSeen) > g.opts.IdleTTL {
			delete(g.users, id)
			n++
		}
	}
	return n
}

// Len reports how many users are tracked.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}

// Run sweeps periodically until ctx is done.
func (g *Guard) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				logger.Debug(ctx, "abuse", "abuse.sweep", slog.Int("attempts", n))
			}
		}
	}
}
