// Package config loads, normalizes, and validates the checkforge TOML
// configuration file.
package config
