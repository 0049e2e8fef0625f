package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional YAML file at path, then applies
// BACKTEST_-prefixed environment variables on top (environment wins), then
// validates the result. An empty path skips the file and uses defaults plus
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults are safe and secret-free.
	v.SetDefault("api.read_url", "http://localhost:8000")
	v.SetDefault("api.write_url", "http://localhost:8000")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("api.trust_proxy_env", false)
	v.SetDefault("database.url", "")
	v.SetDefault("app.output_dir", "output")
	v.SetDefault("app.non_interactive", true)
	v.SetDefault("app.on_escalate", "halt")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("server.port", 8080)

	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.API.ReadURL = strings.TrimRight(cfg.API.ReadURL, "/")
	cfg.API.WriteURL = strings.TrimRight(cfg.API.WriteURL, "/")
	cfg.App.OnEscalate = strings.ToLower(strings.TrimSpace(cfg.App.OnEscalate))

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
