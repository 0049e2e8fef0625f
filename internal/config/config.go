package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	API      APIConfig      `mapstructure:"api" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	App      AppConfig      `mapstructure:"app" validate:"required"`
	Server   ServerConfig   `mapstructure:"server"`
}

// APIConfig contains the settings for the remote HTTP data/API service.
type APIConfig struct {
	ReadURL        string `mapstructure:"read_url"        validate:"required,url"`
	WriteURL       string `mapstructure:"write_url"       validate:"required,url"`
	Token          string `mapstructure:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"required,gt=0"`

	// TrustProxyEnv controls whether outbound requests honor HTTP(S)_PROXY
	// and NO_PROXY from the process environment. Off by default: a globally
	// exported proxy breaks requests to internal backend addresses.
	TrustProxyEnv bool `mapstructure:"trust_proxy_env"`
}

// Timeout returns the request timeout as a duration.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DatabaseConfig contains the optional direct Postgres connection settings.
// An empty URL disables the direct SQL surface; the run then degrades to
// HTTP-only operation.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// AppConfig contains run behavior settings.
type AppConfig struct {
	OutputDir      string `mapstructure:"output_dir"      validate:"required"`
	NonInteractive bool   `mapstructure:"non_interactive"`
	OnEscalate     string `mapstructure:"on_escalate"     validate:"required,oneof=halt retry skip"`
	LogLevel       string `mapstructure:"log_level"       validate:"required,oneof=debug info warn error"`
}

// ServerConfig contains the dashboard server settings.
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"required,gt=0,lt=65536"`
}
