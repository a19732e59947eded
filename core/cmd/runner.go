package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/marketbot/core/bootstrap"
	coreconfig "github.com/m3rciful/marketbot/core/config"
	coredatabase "github.com/m3rciful/marketbot/core/database"
	"github.com/m3rciful/marketbot/core/httpapi"
	"github.com/m3rciful/marketbot/core/logger"
	coretelegram "github.com/m3rciful/marketbot/core/telegram"
	tgsender "github.com/m3rciful/marketbot/core/telegram/sender"
)

const (
	// ConfigEnvVar names the environment variable holding the config path.
	ConfigEnvVar = "CONFIG_PATH"
	// DefaultConfigPath is used when neither the flag nor the env var is set.
	DefaultConfigPath = "configs/config.yaml"
)

// ResolveConfigPath picks the flag value, then CONFIG_PATH, then the default.
func ResolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(ConfigEnvVar); env != "" {
		return env
	}
	return DefaultConfigPath
}

func loadConfig(path string) (*coreconfig.Config, error) {
	log.Printf("loading config: %s", path)
	cfg, err := coreconfig.Load(path)
	if err != nil {
		return nil, fmt.Errorf("cmd: failed to load config: %w", err)
	}
	return cfg, nil
}

// Serve runs the bot and the HTTP API until ctx is done or either fails.
func Serve(ctx context.Context, cfgPath string) error {
	startedAt := time.Now()
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	infra, err := bootstrap.Run(bootstrap.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	defer func() { _ = infra.Close() }()

	bot, err := coretelegram.NewBot(cfg)
	if err != nil {
		return err
	}
	out := tgsender.NewDispatcher(coretelegram.SenderOptions(cfg.Sender))
	gw := coretelegram.NewGateway(bot, out)

	app := bootstrap.NewApp(cfg, bootstrap.SQLStores(infra.DB, time.Now), gw, time.Now)
	app.RunBackground(ctx)

	api := httpapi.New(httpapi.Options{
		Dispatcher:  app.Dispatcher,
		Circuits:    app.Resilience,
		Providers:   app.Augment,
		EventsToken: cfg.HTTP.EventsToken,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.ListenAndServe(gctx, cfg.HTTP.Listen)
	})
	g.Go(func() error {
		return coretelegram.RunTelegram(gctx, coretelegram.RunOptions{
			Config:      cfg,
			Bot:         bot,
			Sender:      out,
			Middlewares: coretelegram.DefaultMiddlewares(),
			Routes:      coretelegram.Routes(app.Dispatcher),
		})
	})

	logger.Info(ctx, "app", "ready",
		slog.String("status", "ok"),
		slog.Int64("duration_ms", logger.SinceMS(startedAt)),
	)
	err = g.Wait()
	logger.Info(context.Background(), "app", "shutdown", slog.String("status", logger.Status(err)), logger.Err(err))
	return err
}

// Migrate applies pending schema migrations and exits.
func Migrate(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := logger.InitLogger(cfg); err != nil {
		return err
	}
	defer func() { _ = logger.Shutdown() }()
	return coredatabase.RunMigrations(cfg.Database)
}
