package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot transport settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// HTTPConfig configures the operational HTTP API.
type HTTPConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
	// EventsToken, when set, must be presented as a Bearer token on POST /events.
	EventsToken string `yaml:"events_token" envconfig:"HTTP_EVENTS_TOKEN"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver         string `yaml:"driver" envconfig:"DB_DRIVER"`
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	Path           string `yaml:"path" envconfig:"DB_PATH"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
}

// AdminConfig lists platform identities treated as administrators.
type AdminConfig struct {
	UserIDs []string `yaml:"user_ids" envconfig:"ADMIN_USER_IDS"`
}

// SessionConfig controls conversation session lifetime.
type SessionConfig struct {
	TTLMinutes int `yaml:"ttl_minutes" envconfig:"SESSION_TTL_MINUTES"`
}

// AbuseConfig configures spam gating for ordinary users.
type AbuseConfig struct {
	PerMinute       int `yaml:"per_minute" envconfig:"ABUSE_PER_MINUTE"`
	Burst           int `yaml:"burst" envconfig:"ABUSE_BURST"`
	DuplicateLimit  int `yaml:"duplicate_limit" envconfig:"ABUSE_DUPLICATE_LIMIT"`
	DuplicateWindow int `yaml:"duplicate_window_seconds"`
	CooldownSeconds int `yaml:"cooldown_seconds" envconfig:"ABUSE_COOLDOWN_SECONDS"`
}

// AccessConfig controls the trial and paid-access windows.
type AccessConfig struct {
	TrialDays           int `yaml:"trial_days" envconfig:"ACCESS_TRIAL_DAYS"`
	ReminderWindowHours int `yaml:"reminder_window_hours" envconfig:"ACCESS_REMINDER_WINDOW_HOURS"`
}

// StrategyConfig declares a fallback strategy for one request type.
type StrategyConfig struct {
	PrimaryTimeoutMS int      `yaml:"primary_timeout_ms"`
	Secondaries      []string `yaml:"secondaries"`
	MaxRetries       int      `yaml:"max_retries"`
}

// ResilienceConfig holds circuit breaker parameters and fallback strategies.
type ResilienceConfig struct {
	FailureThreshold       int                       `yaml:"failure_threshold" envconfig:"BREAKER_FAILURE_THRESHOLD"`
	OpenTimeoutSeconds     int                       `yaml:"open_timeout_seconds" envconfig:"BREAKER_OPEN_TIMEOUT_SECONDS"`
	HalfOpenTimeoutSeconds int                       `yaml:"half_open_timeout_seconds" envconfig:"BREAKER_HALF_OPEN_TIMEOUT_SECONDS"`
	Strategies             map[string]StrategyConfig `yaml:"strategies"`
}

// ProviderConfig describes one OpenAI-compatible generation endpoint.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// AugmentConfig lists the optional generation providers in priority order.
type AugmentConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	// APIKey overrides the key of the first provider; convenient for secrets in env.
	APIKey string `yaml:"-" envconfig:"AUGMENT_API_KEY"`
}

// SenderConfig tunes the outbound message queue.
type SenderConfig struct {
	QueueSize      int `yaml:"queue_size" envconfig:"SENDER_QUEUE_SIZE"`
	Workers        int `yaml:"workers" envconfig:"SENDER_WORKERS"`
	MaxRetries     int `yaml:"max_retries" envconfig:"SENDER_MAX_RETRIES"`
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
}

// DedupeConfig controls redelivery suppression of inbound events.
type DedupeConfig struct {
	TTLSeconds int `yaml:"ttl_seconds" envconfig:"DEDUPE_TTL_SECONDS"`
	MaxSize    int `yaml:"max_size"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// DriverPostgres selects the PostgreSQL backend.
	DriverPostgres = "postgres"
	// DriverSQLite selects the embedded SQLite backend.
	DriverSQLite = "sqlite"
)

// Config aggregates the whole application configuration.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Admin      AdminConfig      `yaml:"admin"`
	Session    SessionConfig    `yaml:"session"`
	Abuse      AbuseConfig      `yaml:"abuse"`
	Access     AccessConfig     `yaml:"access"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Augment    AugmentConfig    `yaml:"augment"`
	Sender     SenderConfig     `yaml:"sender"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs validation of required configuration fields and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if err := normalizeTelegram(cfg); err != nil {
		return err
	}
	if err := normalizeDatabase(&cfg.Database); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = ":8080"
	}

	admins := cfg.Admin.UserIDs[:0]
	for _, id := range cfg.Admin.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			admins = append(admins, id)
		}
	}
	cfg.Admin.UserIDs = admins

	if cfg.Session.TTLMinutes <= 0 {
		cfg.Session.TTLMinutes = 30
	}

	defaultInt(&cfg.Abuse.PerMinute, 20)
	defaultInt(&cfg.Abuse.Burst, 5)
	defaultInt(&cfg.Abuse.DuplicateLimit, 4)
	defaultInt(&cfg.Abuse.DuplicateWindow, 60)
	defaultInt(&cfg.Abuse.CooldownSeconds, 120)

	defaultInt(&cfg.Access.TrialDays, 7)
	if cfg.Access.ReminderWindowHours < 0 {
		return fmt.Errorf("access.reminder_window_hours must be >= 0")
	}
	if cfg.Access.ReminderWindowHours == 0 {
		cfg.Access.ReminderWindowHours = 24
	}

	defaultInt(&cfg.Resilience.FailureThreshold, 5)
	defaultInt(&cfg.Resilience.OpenTimeoutSeconds, 60)
	defaultInt(&cfg.Resilience.HalfOpenTimeoutSeconds, 30)
	for name, st := range cfg.Resilience.Strategies {
		if st.PrimaryTimeoutMS <= 0 {
			return fmt.Errorf("resilience.strategies.%s.primary_timeout_ms must be > 0", name)
		}
		if st.MaxRetries < 0 {
			return fmt.Errorf("resilience.strategies.%s.max_retries must be >= 0", name)
		}
	}

	for i, p := range cfg.Augment.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("augment.providers[%d].name is required", i)
		}
		if strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("augment.providers[%d].base_url is required", i)
		}
		if p.TimeoutMS <= 0 {
			cfg.Augment.Providers[i].TimeoutMS = 8000
		}
	}
	if key := strings.TrimSpace(cfg.Augment.APIKey); key != "" && len(cfg.Augment.Providers) > 0 {
		cfg.Augment.Providers[0].APIKey = key
	}

	defaultInt(&cfg.Sender.QueueSize, 256)
	defaultInt(&cfg.Sender.Workers, 4)
	defaultInt(&cfg.Sender.RetryBackoffMS, 2000)
	if cfg.Sender.MaxRetries < 0 {
		cfg.Sender.MaxRetries = 0
	}

	defaultInt(&cfg.Dedupe.TTLSeconds, 600)
	defaultInt(&cfg.Dedupe.MaxSize, 10000)
	return nil
}

func normalizeTelegram(cfg *Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" || rm == "polling" {
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm
	return nil
}

func normalizeDatabase(db *DatabaseConfig) error {
	driver := strings.ToLower(strings.TrimSpace(db.Driver))
	if driver == "" {
		driver = DriverPostgres
	}
	switch driver {
	case DriverPostgres:
		if strings.TrimSpace(db.Host) == "" || strings.TrimSpace(db.Name) == "" {
			return fmt.Errorf("database.host and database.name are required for postgres")
		}
		if db.Port == "" {
			db.Port = "5432"
		}
		if db.SSLMode == "" {
			db.SSLMode = "disable"
		}
	case DriverSQLite:
		if strings.TrimSpace(db.Path) == "" {
			db.Path = "./data/marketbot.db"
		}
	default:
		return fmt.Errorf("invalid database.driver %q; allowed: postgres, sqlite", db.Driver)
	}
	db.Driver = driver
	if db.MaxConnections <= 0 {
		db.MaxConnections = 10
	}
	return nil
}

func defaultInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// IsAdmin reports whether the given platform user id is configured as administrator.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.Admin.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
