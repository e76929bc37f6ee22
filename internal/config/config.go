package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"quackchat/internal/crypto"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	prefix = "QUACK"
)

var (
	ErrMissingBotToken    = errors.New("QUACK_BOT_TOKEN is required")
	ErrMissingOwnerUserID = errors.New("QUACK_OWNER_USER_ID is required and must be > 0")
	ErrInvalidEnv         = errors.New("QUACK_ENV must be 'development' or 'production'")
	ErrInvalidStoreDriver = errors.New("QUACK_STORE_DRIVER must be one of sqlite, postgres, redis, memory")
	ErrMissingStoreDSN    = errors.New("QUACK_STORE_DSN is required for sql drivers")
)

// Config is read from QUACK_* environment variables. A .env file in the
// working directory is loaded first when present.
type Config struct {
	Env      string `envconfig:"ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	StoreDSN    string `envconfig:"STORE_DSN" default:"quackchat.db"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://127.0.0.1:6379/0"`
	KeyPrefix   string `envconfig:"KEY_PREFIX" default:"quack-norris"`

	MasterKeysJSON     string `envconfig:"MASTER_KEYS_JSON"`
	MasterKeyB64       string `envconfig:"MASTER_KEY_B64"`
	MasterKeyCurrentID string `envconfig:"MASTER_KEY_CURRENT_ID"`

	ConnectionsFile string `envconfig:"CONNECTIONS_FILE"`

	HTTPTimeout     time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	HTTPMaxRetries  int           `envconfig:"HTTP_MAX_RETRIES" default:"2"`
	HTTPBackoffBase time.Duration `envconfig:"HTTP_BACKOFF_BASE" default:"400ms"`

	BotToken     string        `envconfig:"BOT_TOKEN"`
	OwnerUserID  int64         `envconfig:"OWNER_USER_ID"`
	EditInterval time.Duration `envconfig:"EDIT_INTERVAL" default:"1s"`

	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	MetricsPath string `envconfig:"METRICS_PATH" default:"/metrics"`
	HealthPath  string `envconfig:"HEALTH_PATH" default:"/healthz"`

	QueueStream        string        `envconfig:"QUEUE_STREAM" default:"quackchat:asks"`
	QueueGroup         string        `envconfig:"QUEUE_GROUP" default:"quackchat-workers"`
	QueueBlock         time.Duration `envconfig:"QUEUE_BLOCK" default:"5s"`
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"2"`
	WorkerMaxRetries   int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	WorkerConsumerName string        `envconfig:"WORKER_CONSUMER_NAME"`
	AskRateLimit       int64         `envconfig:"ASK_RATE_LIMIT" default:"30"`
	AskRateWindow      time.Duration `envconfig:"ASK_RATE_WINDOW" default:"1h"`
	UpdateDedupeTTL    time.Duration `envconfig:"UPDATE_DEDUPE_TTL" default:"6h"`
	WizardTTL          time.Duration `envconfig:"WIZARD_TTL" default:"20m"`

	Crypto CryptoConfig `ignored:"true"`
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// Enabled reports whether API keys are sealed at rest.
func (c CryptoConfig) Enabled() bool { return len(c.Keys) > 0 }

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	cfg.Env = strings.ToLower(cfg.Env)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	if cfg.WorkerConsumerName == "" {
		cfg.WorkerConsumerName = hostnameOr("worker")
	}

	if cfg.Env != EnvDevelopment && cfg.Env != EnvProduction {
		return nil, ErrInvalidEnv
	}
	switch cfg.StoreDriver {
	case "sqlite", "sqlite3", "postgres", "pgx":
		if cfg.StoreDSN == "" {
			return nil, ErrMissingStoreDSN
		}
	case "redis", "memory":
	default:
		return nil, ErrInvalidStoreDriver
	}

	current, keys, err := crypto.ParseKeys(cfg.MasterKeysJSON, cfg.MasterKeyB64, cfg.MasterKeyCurrentID)
	if err != nil {
		return nil, err
	}
	cfg.Crypto = CryptoConfig{CurrentKeyID: current, Keys: keys}

	return &cfg, nil
}

// RequireBot validates the settings only the telegram shell needs.
func (c *Config) RequireBot() error {
	if c.BotToken == "" {
		return ErrMissingBotToken
	}
	if c.OwnerUserID <= 0 {
		return ErrMissingOwnerUserID
	}
	return nil
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
