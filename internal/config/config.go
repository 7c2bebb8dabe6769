// Package config loads clinval's runtime configuration from a YAML file,
// with environment variable overrides, and validates the result with
// struct tags before handing it to callers.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs a clinval binary (cmd/clinval's
// validate/serve subcommands, pkg/api) needs at startup.
type Config struct {
	SchemaDir        string `yaml:"schemaDir"`
	FHIRVersion      string `yaml:"fhirVersion" validate:"required,oneof=R4 R4B R5"`
	DefaultProjectID string `yaml:"defaultProjectId"`
	LogLevel         string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	ListenAddr       string `yaml:"listenAddr"`
}

// Default returns the configuration used when no file is given and no
// overriding environment variables are set.
func Default() Config {
	return Config{
		FHIRVersion: "R4",
		LogLevel:    "info",
		ListenAddr:  ":8080",
	}
}

var validate = validator.New()

// Load reads Config from path (YAML), falling back to Default when path
// is empty, then applies CLINVAL_*-prefixed environment overrides and
// validates the result. A missing path is not an error; a present but
// unreadable or malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLINVAL_SCHEMA_DIR"); v != "" {
		cfg.SchemaDir = v
	}
	if v := os.Getenv("CLINVAL_FHIR_VERSION"); v != "" {
		cfg.FHIRVersion = v
	}
	if v := os.Getenv("CLINVAL_PROJECT_ID"); v != "" {
		cfg.DefaultProjectID = v
	}
	if v := os.Getenv("CLINVAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CLINVAL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
}
