package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	API struct {
		BaseURL      string        `mapstructure:"base_url"`
		LoginPath    string        `mapstructure:"login_path"`
		RefreshPath  string        `mapstructure:"refresh_path"`
		LogoutPath   string        `mapstructure:"logout_path"`
		RegisterPath string        `mapstructure:"register_path"`
		VerifyPath   string        `mapstructure:"verify_path"`
		ResendPath   string        `mapstructure:"resend_path"`
		UserAgent    string        `mapstructure:"user_agent"`
		Timeout      time.Duration `mapstructure:"timeout"`
	} `mapstructure:"api"`
	Session struct {
		Store         string `mapstructure:"store"`
		FilePath      string `mapstructure:"file_path"`
		DedupeRefresh bool   `mapstructure:"dedupe_refresh"`
		Redis         struct {
			Addr      string `mapstructure:"addr"`
			Password  string `mapstructure:"password"`
			DB        int    `mapstructure:"db"`
			KeyPrefix string `mapstructure:"key_prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"session"`
	Views struct {
		Public        string        `mapstructure:"public"`
		Authenticated string        `mapstructure:"authenticated"`
		GuardTimeout  time.Duration `mapstructure:"guard_timeout"`
	} `mapstructure:"views"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Session store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// EnvPrefix prefixes environment overrides, e.g. AUTHFETCH_API_BASE_URL.
const EnvPrefix = "AUTHFETCH"

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://127.0.0.1:8000")
	v.SetDefault("api.login_path", "/auth/login")
	v.SetDefault("api.refresh_path", "/auth/refresh")
	v.SetDefault("api.logout_path", "/auth/logout")
	v.SetDefault("api.register_path", "/auth/register")
	v.SetDefault("api.verify_path", "/auth/verify-email")
	v.SetDefault("api.resend_path", "/auth/resend-code")
	v.SetDefault("api.user_agent", "authfetch/1.0")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("session.store", StoreFile)
	v.SetDefault("session.file_path", ".authfetch/session.json")
	v.SetDefault("session.dedupe_refresh", true)
	v.SetDefault("session.redis.addr", "127.0.0.1:6379")
	v.SetDefault("session.redis.key_prefix", "authfetch")
	v.SetDefault("views.public", "index.html")
	v.SetDefault("views.authenticated", "dashboard.html")
	v.SetDefault("views.guard_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads config.yml from path (if present) and applies environment
// overrides. A missing file is fine; a malformed one is not.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields nothing can run without.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	switch c.Session.Store {
	case StoreMemory:
	case StoreFile:
		if c.Session.FilePath == "" {
			return errors.New("session.file_path is required for the file store")
		}
	case StoreRedis:
		if c.Session.Redis.Addr == "" {
			return errors.New("session.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown session.store %q", c.Session.Store)
	}
	if c.API.Timeout < 0 {
		return errors.New("api.timeout must not be negative")
	}
	return nil
}
