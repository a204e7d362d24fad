// Package config loads the control plane's process configuration: an
// optional YAML file (no file is read unless a path is given) with env
// var overrides for the values an operator needs to flip without
// editing the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Brokers BrokersConfig `mapstructure:"brokers"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP/WebSocket listener. AllowedOrigins is
// loaded but not read by the API server, whose CORS policy allows any
// origin.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
	EnableMetrics  bool          `mapstructure:"enable_metrics"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// AuthConfig controls bearer-token issuance.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// EngineConfig controls the Execution Engine's monitor loop and the
// default broker_type used for the live exec_mode.
type EngineConfig struct {
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
	DefaultBrokerType string        `mapstructure:"default_broker_type"`
}

// BrokersConfig holds the adapter settings for every broker_type this
// process registers. Live brokers are out of scope (§ Non-goals); only
// the paper and simulation adapters are configurable here.
type BrokersConfig struct {
	Paper      PaperConfig      `mapstructure:"paper"`
	Simulation SimulationConfig `mapstructure:"simulation"`
}

// PaperConfig seeds the in-memory paper-trading adapter.
type PaperConfig struct {
	StartingBalance string `mapstructure:"starting_balance"`
	SlippagePct     string `mapstructure:"slippage_pct"`
}

// SimulationConfig seeds the randomized fill-simulation adapter
// used by the reference strategy and the test suite.
type SimulationConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// LoggingConfig controls the zap logger built in cmd/server.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the configuration used when no file is present and
// no env overrides are set: "paper" as the default broker_type, a
// short-lived dev JWT secret that must be overridden in any real
// deployment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			MaxConnections: 256,
			EnableMetrics:  true,
			AllowedOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			JWTSecret: "dev-secret-change-me",
			TokenTTL:  24 * time.Hour,
		},
		Engine: EngineConfig{
			MonitorInterval:   2 * time.Second,
			DefaultBrokerType: "paper",
		},
		Brokers: BrokersConfig{
			Paper: PaperConfig{
				StartingBalance: "100000",
				SlippagePct:     "0.0005",
			},
			Simulation: SimulationConfig{
				TickInterval: 5 * time.Second,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (if it exists) over the defaults, then applies
// TRADECTL_* environment overrides (e.g. TRADECTL_AUTH_JWT_SECRET,
// TRADECTL_SERVER_PORT). path may be empty, in which case only
// defaults and env vars apply.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRADECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows of, so bind
	// every key explicitly for env vars to apply without a file.
	for _, key := range []string{
		"server.host", "server.port", "server.read_timeout", "server.write_timeout",
		"server.max_connections", "server.enable_metrics", "server.allowed_origins",
		"auth.jwt_secret", "auth.token_ttl", "engine.monitor_interval", "engine.default_broker_type",
		"brokers.paper.starting_balance", "brokers.paper.slippage_pct",
		"brokers.simulation.tick_interval", "logging.level",
	} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields the rest of the process trusts blindly.
func (c Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Engine.DefaultBrokerType == "" {
		return fmt.Errorf("engine.default_broker_type must not be empty")
	}
	return nil
}
