package bootstrap

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/marketbot/core/abuse"
	"github.com/m3rciful/marketbot/core/augment"
	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/dedupe"
	"github.com/m3rciful/marketbot/core/dispatch"
	"github.com/m3rciful/marketbot/core/flow"
	"github.com/m3rciful/marketbot/core/gateway"
	"github.com/m3rciful/marketbot/core/repo"
	"github.com/m3rciful/marketbot/core/resilience"
	"github.com/m3rciful/marketbot/core/session"
)

const (
	guardSweepEvery  = 5 * time.Minute
	dedupeSweepEvery = time.Minute
)

// App is the assembled conversation engine.
type App struct {
	Config     *coreconfig.Config
	Repo       repo.Repository
	Sessions   session.Store
	Resilience *resilience.Manager
	Augment    *augment.Service
	Engine     *flow.Engine
	Guard      *abuse.Guard
	Dedupe     *dedupe.Cache
	Dispatcher *dispatch.Dispatcher
}

// Stores groups the persistence backends. Use SQLStores for production and
// MemoryStores for tests and local experiments.
type Stores struct {
	Repo     repo.Repository
	Sessions session.Store
}

// SQLStores binds the repository and the session store to db.
func SQLStores(db *sqlx.DB, now func() time.Time) Stores {
	return Stores{Repo: repo.NewSQL(db), Sessions: session.NewSQLStore(db, now)}
}

// MemoryStores keeps everything in process.
func MemoryStores(now func() time.Time) Stores {
	return Stores{Repo: repo.NewMemory(), Sessions: session.NewMemoryStore(now)}
}

// NewApp wires every component from cfg. gw delivers outbound messages; now
// may be nil.
func NewApp(cfg *coreconfig.Config, st Stores, gw gateway.Gateway, now func() time.Time) *App {
	if now == nil {
		now = time.Now
	}

	res := resilience.NewManagerFromConfig(cfg.Resilience, resilience.WithClock(now))
	providers := make([]augment.Provider, 0, len(cfg.Augment.Providers))
	for _, pc := range cfg.Augment.Providers {
		providers = append(providers, augment.NewHTTPProvider(pc, nil))
	}
	aug := augment.NewService(res, st.Repo, providers...)

	engine := flow.NewEngine(flow.Deps{
		Store:      st.Sessions,
		Repo:       st.Repo,
		Gateway:    gw,
		Augment:    aug,
		Admins:     cfg.Admin.UserIDs,
		SessionTTL: time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		TrialDays:  cfg.Access.TrialDays,
		Now:        now,
	})

	guardOpts := abuse.OptionsFromConfig(cfg.Abuse)
	guardOpts.Now = now
	guard := abuse.NewGuard(guardOpts)

	seen := dedupe.New(time.Duration(cfg.Dedupe.TTLSeconds)*time.Second, cfg.Dedupe.MaxSize, now)

	disp := dispatch.New(dispatch.Options{
		Engine:         engine,
		Store:          st.Sessions,
		Repo:           st.Repo,
		Gateway:        gw,
		Guard:          guard,
		Dedupe:         seen,
		Admins:         cfg.Admin.UserIDs,
		ReminderWindow: time.Duration(cfg.Access.ReminderWindowHours) * time.Hour,
		Now:            now,
	})

	return &App{
		Config:     cfg,
		Repo:       st.Repo,
		Sessions:   st.Sessions,
		Resilience: res,
		Augment:    aug,
		Engine:     engine,
		Guard:      guard,
		Dedupe:     seen,
		Dispatcher: disp,
	}
}

// RunBackground sweeps idle abuse state and expired dedupe keys until ctx is done.
func (a *App) RunBackground(ctx context.Context) {
	go a.Guard.Run(ctx, guardSweepEvery)
	go a.Dedupe.Run(ctx, dedupeSweepEvery)
}
