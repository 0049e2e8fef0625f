// Package config loads and validates application configuration from an
// optional YAML file with environment-variable overrides (environment wins).
package config
