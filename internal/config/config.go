// Package config provides configuration management for difychat.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Dify      DifyConfig      `mapstructure:"dify"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	WS        WSConfig        `mapstructure:"ws"`
}

// ServerConfig configures the HTTP listener serving the REST API and the gateway.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// BackendConfig points the session store client at the persistence API.
type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RelayConfig selects how the relay talks to the provider.
// Mode is one of "sync", "streaming" or "mock".
type RelayConfig struct {
	Mode    string        `mapstructure:"mode"`
	SyncURL string        `mapstructure:"sync_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DifyConfig configures direct access to the external provider.
type DifyConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	User    string        `mapstructure:"user"`
	Mode    string        `mapstructure:"mode"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig lists the bearer tokens the backend accepts.
// With no principals configured every request acts as an anonymous admin.
type AuthConfig struct {
	Principals []PrincipalConfig `mapstructure:"principals"`
}

type PrincipalConfig struct {
	Token  string `mapstructure:"token"`
	UserID int64  `mapstructure:"user_id"`
	Role   string `mapstructure:"role"`
}

// RedisConfig enables the redis session-list cache and redis-stream event bus.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Cache    bool          `mapstructure:"cache"`
	Stream   bool          `mapstructure:"stream"`
	Group    string        `mapstructure:"group"`
	Consumer string        `mapstructure:"consumer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// WSConfig configures the display gateway.
type WSConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Load reads configuration from defaults, an optional YAML file and
// DIFYCHAT_* environment variables, in increasing priority. An empty path
// falls back to DIFYCHAT_CONFIG.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DIFYCHAT_CONFIG")
	}
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DIFYCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Relay.Mode {
	case "sync", "streaming", "mock":
	default:
		return errors.Errorf("relay.mode must be sync, streaming or mock, got %q", c.Relay.Mode)
	}
	switch c.Dify.Mode {
	case "live", "mock":
	default:
		return errors.Errorf("dify.mode must be live or mock, got %q", c.Dify.Mode)
	}
	if c.Server.Port <= 0 {
		return errors.Errorf("server.port must be positive, got %d", c.Server.Port)
	}
	for i, p := range c.Auth.Principals {
		if p.Token == "" || p.UserID <= 0 {
			return errors.Errorf("auth.principals[%d] needs token and user_id", i)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.url", "file:difychat.db?cache=shared&mode=rwc")

	v.SetDefault("backend.base_url", "http://localhost:3001/api")
	v.SetDefault("backend.timeout", 30*time.Second)

	v.SetDefault("relay.mode", "sync")
	v.SetDefault("relay.sync_url", "http://localhost:3001/api")
	v.SetDefault("relay.timeout", 120*time.Second)

	v.SetDefault("dify.base_url", "http://localhost/v1")
	v.SetDefault("dify.api_key", "")
	v.SetDefault("dify.user", "difychat")
	v.SetDefault("dify.mode", "live")
	v.SetDefault("dify.timeout", 120*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.cache_ttl", 5*time.Minute)
	v.SetDefault("redis.cache", false)
	v.SetDefault("redis.stream", false)
	v.SetDefault("redis.group", "difychat")
	v.SetDefault("redis.consumer", "gateway")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dir", "logs")

	v.SetDefault("ws.ping_interval", 30*time.Second)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.read_timeout", 60*time.Second)
	v.SetDefault("ws.max_message_size", 65536)
	v.SetDefault("ws.send_buffer", 256)
}
