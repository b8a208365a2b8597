// Package config loads orchestrator configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration tree.
type Config struct {
	Environment string `mapstructure:"environment"` // dev | staging | prod

	Server struct {
		Port        int           `mapstructure:"port"`
		MetricsPort int           `mapstructure:"metrics_port"`
		ReadTimeout time.Duration `mapstructure:"read_timeout"`
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"server"`

	Store struct {
		Driver string `mapstructure:"driver"` // postgres | sqlite3
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`

	Workflow struct {
		TTLHours int `mapstructure:"ttl_hours"`
	} `mapstructure:"workflow"`

	Engine struct {
		NodeTimeoutMs int `mapstructure:"node_timeout_ms"`
		MaxRetries    int `mapstructure:"max_retries"`
	} `mapstructure:"engine"`

	Approval struct {
		ExpiryHours int `mapstructure:"expiry_hours"`
	} `mapstructure:"approval"`

	Chain struct {
		MaxDepth int `mapstructure:"max_depth"`
	} `mapstructure:"chain"`

	Disclosure struct {
		DefaultStrategy string `mapstructure:"default_strategy"`
		MaxTools        int    `mapstructure:"max_tools"`
		ManifestPath    string `mapstructure:"manifest_path"`
	} `mapstructure:"disclosure"`

	Gateway struct {
		StreamBuffer int `mapstructure:"stream_buffer"`
	} `mapstructure:"gateway"`

	Planner struct {
		QueueSize int `mapstructure:"queue_size"`
		// Endpoint of an external LLM planning service; empty selects the
		// deterministic keyword planner.
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"planner"`

	Auth struct {
		Enabled   bool   `mapstructure:"enabled"`
		JWTSecret string `mapstructure:"jwt_secret"`
		APIToken  string `mapstructure:"api_token"`
	} `mapstructure:"auth"`

	RateLimit struct {
		RequestsPerSecond float64 `mapstructure:"requests_per_second"`
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// Load reads CONFIG_PATH (default config/conductor.yaml) and applies
// CONDUCTOR_* environment overrides. A missing file is not fatal; defaults
// plus environment variables are used.
func Load() (*Config, error) {
	v := viper.New()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/conductor.yaml"
	}
	v.SetConfigFile(cfgPath)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvironmentDefaults(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "file:conductor.db?_journal=WAL")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("engine.node_timeout_ms", 120000)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("approval.expiry_hours", 24)
	v.SetDefault("chain.max_depth", 20)
	v.SetDefault("disclosure.default_strategy", "minimal")
	v.SetDefault("disclosure.max_tools", 30)
	v.SetDefault("disclosure.manifest_path", "config/tools.yaml")
	v.SetDefault("gateway.stream_buffer", 256)
	v.SetDefault("planner.queue_size", 64)
	v.SetDefault("rate_limit.requests_per_second", 50)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("logging.level", "info")
}

// applyEnvironmentDefaults fills workflow.ttl_hours from the environment
// scope when the config does not pin it: dev=3, staging=12, prod=24.
func applyEnvironmentDefaults(cfg *Config) {
	if cfg.Workflow.TTLHours > 0 {
		return
	}
	switch cfg.Environment {
	case "dev":
		cfg.Workflow.TTLHours = 3
	case "staging":
		cfg.Workflow.TTLHours = 12
	default:
		cfg.Workflow.TTLHours = 24
	}
}

// WorkflowTTL returns the workflow TTL as a duration.
func (c *Config) WorkflowTTL() time.Duration {
	return time.Duration(c.Workflow.TTLHours) * time.Hour
}

// NodeTimeout returns the per-node execution timeout.
func (c *Config) NodeTimeout() time.Duration {
	return time.Duration(c.Engine.NodeTimeoutMs) * time.Millisecond
}

// ApprovalExpiry returns the approval request expiry window.
func (c *Config) ApprovalExpiry() time.Duration {
	return time.Duration(c.Approval.ExpiryHours) * time.Hour
}
