package config

import "errors"

var (
	// ErrConfigNotFound indicates the configuration file was not found.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrMissingBrokerSecret indicates broker_secret resolved to empty
	// after environment expansion — the broker must never boot without a
	// MAC key (spec.md exit code 4: "integrity-key missing").
	ErrMissingBrokerSecret = errors.New("broker_secret is required and must not be empty")

	// ErrMissingDataDir indicates data_dir was not set.
	ErrMissingDataDir = errors.New("data_dir is required")

	// ErrInvalidValue indicates a field has an out-of-range value.
	ErrInvalidValue = errors.New("invalid configuration value")
)
