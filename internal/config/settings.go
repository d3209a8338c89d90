// Package config reads prefixsync settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"prefixsync/internal/support"
)

const (
	DefaultBaseName         = "ZSCALER_BYPASS"
	DefaultMaxChunk         = 500
	DefaultMaxRemovePercent = 25
	DefaultSyncInterval     = time.Hour
	DefaultBackupDir        = "backups"
)

var validate = validator.New()

type VManage struct {
	Host      string  `validate:"required_without=BaseURL"`
	Port      int     `validate:"min=1,max=65535"`
	Username  string  `validate:"required"`
	Password  string  `validate:"required"`
	VerifyTLS bool
	RateLimit float64 `validate:"gt=0"`
	// BaseURL replaces https://Host:Port, mostly for lab setups.
	BaseURL string `validate:"omitempty,url"`
}

type Feed struct {
	URL    string `validate:"omitempty,url"`
	Family string `validate:"oneof=ipv4 ipv6 both"`
}

type Sync struct {
	BaseName         string        `validate:"required,excludesall=/"`
	MaxChunk         int           `validate:"min=1"`
	MaxRemovePercent float64       `validate:"gte=0,lte=100"`
	Interval         time.Duration `validate:"gt=0"`
}

type History struct {
	Enabled  bool
	Host     string
	Port     string
	Name     string
	Username string
	Password string
}

type Config struct {
	VManage VManage
	Feed    Feed
	Sync    Sync
	History History

	BackupDir       string `validate:"required"`
	LogLevel        string `validate:"oneof=debug info warn error"`
	TeamsWebhookURL string `validate:"omitempty,url"`
	MetricsAddr     string
	RedisURL        string
}

// LoadDotEnv loads .env from the working directory. A missing file only
// produces a warning.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}
}

// FromEnv reads every setting without validating it.
func FromEnv() Config {
	return Config{
		VManage: VManage{
			Host:      support.GetEnv("VMANAGE_HOST", ""),
			Port:      support.GetEnvInt("VMANAGE_PORT", 8443),
			Username:  support.GetEnv("VMANAGE_USER", ""),
			Password:  support.GetEnv("VMANAGE_PASS", ""),
			VerifyTLS: support.GetEnvBool("VERIFY_TLS", true),
			RateLimit: support.GetEnvFloat("VMANAGE_RATE_LIMIT", 5),
			BaseURL:   support.GetEnv("VMANAGE_URL", ""),
		},
		Feed: Feed{
			URL:    support.GetEnv("ZSCALER_JSON_URL", ""),
			Family: strings.ToLower(support.GetEnv("ZSCALER_FAMILY", "ipv4")),
		},
		Sync: Sync{
			BaseName:         support.GetEnv("DPL_NAME", DefaultBaseName),
			MaxChunk:         support.GetEnvInt("ZSCALER_MAX_CHUNK", DefaultMaxChunk),
			MaxRemovePercent: support.GetEnvFloat("MAX_REMOVE_PERCENT", DefaultMaxRemovePercent),
			Interval:         support.GetEnvDuration("SYNC_INTERVAL", DefaultSyncInterval),
		},
		History: History{
			Enabled:  support.GetEnvBool("HISTORY_ENABLED", false),
			Host:     support.GetEnv("DB_HOST", "localhost"),
			Port:     support.GetEnv("DB_PORT", "5432"),
			Name:     support.GetEnv("DB_NAME", "prefixsync"),
			Username: support.GetEnv("DB_USERNAME", "prefixsync"),
			Password: support.GetEnv("DB_PASSWORD", ""),
		},
		BackupDir:       support.GetEnv("BACKUP_DIR", DefaultBackupDir),
		LogLevel:        strings.ToLower(support.GetEnv("LOG_LEVEL", "info")),
		TeamsWebhookURL: support.GetEnv("TEAMS_WEBHOOK_URL", ""),
		MetricsAddr:     support.GetEnv("METRICS_ADDR", ""),
		RedisURL:        support.GetEnv("REDIS_URL", ""),
	}
}

// Load reads and validates the environment.
func Load() (Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", envName(fe.StructNamespace()), fe.Tag()))
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
}

// ValidateForSync also requires the feed URL, which only sync cycles read.
func (c Config) ValidateForSync() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Feed.URL == "" {
		return fmt.Errorf("config validation failed: %s failed %q", envName("Config.Feed.URL"), "required")
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

var envNames = map[string]string{
	"Config.VManage.Host":          "VMANAGE_HOST",
	"Config.VManage.Port":          "VMANAGE_PORT",
	"Config.VManage.Username":      "VMANAGE_USER",
	"Config.VManage.Password":      "VMANAGE_PASS",
	"Config.VManage.RateLimit":     "VMANAGE_RATE_LIMIT",
	"Config.VManage.BaseURL":       "VMANAGE_URL",
	"Config.Feed.URL":              "ZSCALER_JSON_URL",
	"Config.Feed.Family":           "ZSCALER_FAMILY",
	"Config.Sync.BaseName":         "DPL_NAME",
	"Config.Sync.MaxChunk":         "ZSCALER_MAX_CHUNK",
	"Config.Sync.MaxRemovePercent": "MAX_REMOVE_PERCENT",
	"Config.Sync.Interval":         "SYNC_INTERVAL",
	"Config.BackupDir":             "BACKUP_DIR",
	"Config.LogLevel":              "LOG_LEVEL",
	"Config.TeamsWebhookURL":       "TEAMS_WEBHOOK_URL",
}

func envName(namespace string) string {
	if name, ok := envNames[namespace]; ok {
		return name
	}
	return namespace
}
