package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scanforge/scanforge-server/internal/util"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DatabaseConfig holds the database DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// JWTConfig holds signing settings for user tokens.
type JWTConfig struct {
	Secret      string `yaml:"secret"`
	ExpiryHours int    `yaml:"expiry-hours"`
}

// Expiry returns the token lifetime with a sane default.
func (c JWTConfig) Expiry() time.Duration {
	if c.ExpiryHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.ExpiryHours) * time.Hour
}

// RedisConfig holds optional redis settings for request rate limiting.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds S3-compatible object storage settings.
type StorageConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access-key"`
	SecretKey     string `yaml:"secret-key"`
	UseSSL        bool   `yaml:"use-ssl"`
	Bucket        string `yaml:"bucket"`
	TempBucket    string `yaml:"temp-bucket"`
	PublicBaseURL string `yaml:"public-base-url"`
}

// SMTPConfig holds mailer settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// ProviderConfig holds credentials for one generation provider.
type ProviderConfig struct {
	BaseURL       string `yaml:"base-url"`
	APIKey        string `yaml:"api-key"`
	WebhookSecret string `yaml:"webhook-secret"`
}

// ProvidersConfig enumerates the supported providers.
type ProvidersConfig struct {
	Stability ProviderConfig `yaml:"stability"`
	Meshy     ProviderConfig `yaml:"meshy"`
	Luma      ProviderConfig `yaml:"luma"`
}

// ProConfig controls the unlimited-tier bypass.
type ProConfig struct {
	EmailDomains []string `yaml:"email-domains"`
}

// RateLimitConfig bounds generation submissions per user.
type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window-seconds"`
}

// LogConfig holds logging output settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
}

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Providers ProvidersConfig `yaml:"providers"`
	Pro       ProConfig       `yaml:"pro"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	Log       LogConfig       `yaml:"log"`
}

// ResolveConfigPath resolves the config file location from the given path,
// the CONFIG_PATH env var, or the writable path convention.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return filepath.Clean(trimmed)
	}
	if env := strings.TrimSpace(os.Getenv("CONFIG_PATH")); env != "" {
		return filepath.Clean(env)
	}
	if writable := util.WritablePath(); writable != "" {
		return filepath.Join(writable, "config.yaml")
	}
	return "config.yaml"
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	cfg := &Config{}
	if errParse := yaml.Unmarshal(data, cfg); errParse != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errParse)
	}
	cfg.applyDefaults()

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: database.dsn is required")
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, fmt.Errorf("config: jwt.secret is required")
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = ":8317"
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = 30
	}
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
}
