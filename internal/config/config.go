package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "CONVSYNC"

type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Postgres  PostgresConfig  `mapstructure:"postgres" yaml:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	LocalDB   LocalDBConfig   `mapstructure:"localdb" yaml:"localdb"`
	Assistant AssistantConfig `mapstructure:"assistant" yaml:"assistant"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type AuthConfig struct {
	JwtSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

type SyncConfig struct {
	InboxSize      int           `mapstructure:"inbox_size" yaml:"inbox_size"`
	RetryBase      time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	RetryMax       time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	RetryWindow    time.Duration `mapstructure:"retry_window" yaml:"retry_window"`
	TypingInterval time.Duration `mapstructure:"typing_interval" yaml:"typing_interval"`
	// Replica, Broadcast and Index pick a backend: "memory", "postgres" or "redis".
	Replica   string `mapstructure:"replica" yaml:"replica"`
	Broadcast string `mapstructure:"broadcast" yaml:"broadcast"`
	Index     string `mapstructure:"index" yaml:"index"`
}

type LocalDBConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type AssistantConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Host    string        `mapstructure:"host" yaml:"host"`
	Model   string        `mapstructure:"model" yaml:"model"`
	Name    string        `mapstructure:"name" yaml:"name"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 25)
	v.SetDefault("postgres.max_conn_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "convsync")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("sync.inbox_size", 64)
	v.SetDefault("sync.retry_base", 100*time.Millisecond)
	v.SetDefault("sync.retry_max", 2*time.Second)
	v.SetDefault("sync.retry_window", 30*time.Second)
	v.SetDefault("sync.typing_interval", 2*time.Second)
	v.SetDefault("sync.replica", "postgres")
	v.SetDefault("sync.broadcast", "redis")
	v.SetDefault("sync.index", "redis")

	v.SetDefault("localdb.dir", "data/local")

	v.SetDefault("assistant.enabled", false)
	v.SetDefault("assistant.host", "http://localhost:11434")
	v.SetDefault("assistant.model", "llama3.2")
	v.SetDefault("assistant.name", "Tutor")
	v.SetDefault("assistant.timeout", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads defaults, then the optional YAML file at path, then
// CONVSYNC_* environment variables (CONVSYNC_SYNC_REPLICA=memory).
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	check := func(name, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unsupported backend %q", name, value))
	}
	check("sync.replica", c.Sync.Replica, "memory", "postgres")
	check("sync.broadcast", c.Sync.Broadcast, "memory", "redis")
	check("sync.index", c.Sync.Index, "memory", "redis")

	if c.Auth.JwtSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is not set"))
	}
	if c.Sync.Replica == "postgres" && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is not set"))
	}
	if c.Sync.RetryBase <= 0 || c.Sync.RetryMax < c.Sync.RetryBase {
		errs = append(errs, errors.New("sync.retry_base must be positive and not above sync.retry_max"))
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether any backend talks to Redis.
func (c *AppConfig) NeedsRedis() bool {
	return c.Sync.Broadcast == "redis" || c.Sync.Index == "redis"
}
