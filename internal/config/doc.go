// Package config loads coordinator and agent configuration from defaults, a
// YAML file, TE_ prefixed environment variables and command-line overrides,
// in increasing order of precedence.
package config
