// Package config loads the relay daemon configuration from a YAML or JSON
// file through viper, applies SAFERELAY_* environment overrides and fills
// defaults relative to the configuration file's directory.
package config
