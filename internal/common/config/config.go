// Package config loads service configuration from defaults, an optional YAML
// file and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Sequence SequenceConfig `mapstructure:"sequence"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServiceConfig identifies the running service
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig HTTP and gRPC listener settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig Postgres pool settings
type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
	// Memory switches the service to the in-process store (local runs, demos).
	Memory bool `mapstructure:"memory"`
}

// NATSConfig notification transport settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
}

// RedisConfig Redis connection used by the sequence counter
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SequenceConfig selects the document-number counter backend
type SequenceConfig struct {
	Backend     string        `mapstructure:"backend"` // store | redis
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// WorkflowConfig resource policy settings
type WorkflowConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
	LinkBase   string `mapstructure:"link_base"`
}

// LogConfig logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-approval-workflows",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "workflows",
			SSLMode:     "disable",
			MaxConns:    20,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		NATS: NATSConfig{
			URL:    "nats://localhost:4222",
			Stream: "NOTIFICATIONS",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Sequence: SequenceConfig{
			Backend:     "store",
			MaxAttempts: 5,
			BaseDelay:   10 * time.Millisecond,
		},
		Workflow: WorkflowConfig{
			LinkBase: "/workflows",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// envKeys lists the settings that can be overridden from the environment
// without a config file (WORKFLOWS_SERVER_PORT, WORKFLOWS_DATABASE_HOST, ...).
var envKeys = []string{
	"service.name", "service.version", "service.environment",
	"server.port", "server.grpc_port", "server.request_timeout", "server.shutdown_timeout",
	"database.host", "database.port", "database.user", "database.password",
	"database.database", "database.ssl_mode", "database.max_conns", "database.memory",
	"nats.enabled", "nats.url", "nats.stream",
	"redis.addr", "redis.password", "redis.db",
	"sequence.backend", "sequence.max_attempts",
	"workflow.policy_file", "workflow.link_base",
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("WORKFLOWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	// LOG_LEVEL has always been honoured without the prefix.
	if err := v.BindEnv("log.level", "WORKFLOWS_LOG_LEVEL", "LOG_LEVEL"); err != nil {
		return nil, fmt.Errorf("bind env log.level: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	switch c.Sequence.Backend {
	case "store", "redis":
	default:
		return fmt.Errorf("unknown sequence backend %q", c.Sequence.Backend)
	}
	if c.Sequence.MaxAttempts <= 0 {
		return fmt.Errorf("sequence.max_attempts must be positive")
	}
	return nil
}

// DSN renders the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
