package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "FORKPOOL_CONFIG"

// Load reads, interpolates, defaults and validates a configuration file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML over Defaults() and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)
	cfg.Fingerprint = Fingerprint(data)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, or the discovered config when configPath is
// empty, or Defaults() when nothing is found.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = Discover()
	}
	if configPath == "" {
		return Defaults(), nil
	}
	return Load(configPath)
}

// Discover finds a config file by checking standard locations.
// Priority order: $FORKPOOL_CONFIG, ./forkpool.yaml, ~/.config/forkpool/config.yaml,
// /etc/forkpool/config.yaml. It returns "" when none exists.
func Discover() string {
	candidates := []string{os.Getenv(EnvConfigPath), "./forkpool.yaml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "forkpool", "config.yaml"))
	}
	candidates = append(candidates, "/etc/forkpool/config.yaml")

	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// applyConfigDefaults fills string fields explicitly set to empty.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.LockPath == "" {
		cfg.LockPath = defaults.LockPath
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	return cfg
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validation reports it where it matters.
		return match
	})
}
