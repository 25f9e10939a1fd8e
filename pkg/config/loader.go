package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file at path, expands environment references,
// overlays it on top of Defaults(), applies environment overrides, and
// validates the result. A missing file is not an error — the defaults plus
// environment overrides are used, matching the teacher's "warn and continue
// with existing environment" posture for optional config.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s: %v", ErrConfigNotFound, path, err)
			}
		} else {
			raw = ExpandEnv(raw)
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets a small set of security- and deployment-sensitive
// fields be set purely from the environment, even with no config file
// present — broker_secret chief among them.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIGHTHOUSE_BROKER_SECRET"); v != "" {
		cfg.BrokerSecret = v
	}
	if v := os.Getenv("LIGHTHOUSE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LIGHTHOUSE_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
}
