package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
)

// LoadSessionConfig overlays the YAML file at path onto cfg and validates
// the result, so a config file only needs the fields it wants to change
// from the defaults (or from flags already applied to cfg). ${VAR}
// references in the file are replaced with environment variable values
// before parsing.
func LoadSessionConfig(path string, cfg *SessionConfig) error {
	if err := loadYAML(path, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig,
			"invalid session configuration in "+path)
	}
	return nil
}

// LoadBackfillConfig overlays the YAML file at path onto cfg and
// validates the result.
func LoadBackfillConfig(path string, cfg *BackfillConfig) error {
	if err := loadYAML(path, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig,
			"invalid backfill configuration in "+path)
	}
	return nil
}

// Save writes cfg to a YAML file. The CLI uses it to seed a config file
// from the built-in defaults.
func Save(path string, cfg interface{}) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig,
			"failed to marshal configuration")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: config files are not secrets
		return errors.Wrap(err, errors.ErrorTypeConfig,
			"failed to write configuration file")
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is a caller-provided config file
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig,
			"failed to read configuration file")
	}

	expanded := os.Expand(string(data), os.Getenv)
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig,
			"failed to parse configuration file "+path)
	}
	return nil
}
