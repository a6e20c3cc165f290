package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidConfiguration wraps every validation failure.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Validate checks cfg and reports all problems at once.
func Validate(cfg *Config) error {
	problems := Problems(cfg)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
}

// Problems lists every validation failure in cfg.
func Problems(cfg *Config) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Pool.Workers < 0 {
		add("pool.workers must not be negative (got %d)", cfg.Pool.Workers)
	}
	if cfg.Pool.SendBuffer <= 0 {
		add("pool.send_buffer must be positive (got %d)", cfg.Pool.SendBuffer)
	}
	if cfg.Pool.OutstandingTTL <= 0 {
		add("pool.outstanding_ttl must be positive")
	}
	if cfg.Pool.ShutdownGrace < 0 {
		add("pool.shutdown_grace must not be negative")
	}
	if cfg.Pool.MaxRetries < 0 {
		add("pool.max_retries must not be negative (got %d)", cfg.Pool.MaxRetries)
	}
	for i, arg := range cfg.Pool.WorkerCommand {
		if i == 0 && strings.TrimSpace(arg) == "" {
			add("pool.worker_command[0] must name an executable")
		}
		if name := unresolved(arg); name != "" {
			add("pool.worker_command[%d]: environment variable ${%s} is not set", i, name)
		}
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, strings.ToLower(cfg.Log.Level)) {
		add("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if f := strings.ToLower(cfg.Log.Format); f != "json" && f != "text" {
		add("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			add("api.listen is required when the API is enabled")
		}
		if name := unresolved(cfg.API.APIKey); name != "" {
			add("api.api_key: environment variable ${%s} is not set", name)
		}
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		add("journal.path is required when the journal is enabled")
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Exporter {
		case "stdout", "otlp", "none":
		default:
			add("tracing.exporter must be one of: stdout, otlp, none (got %q)", cfg.Tracing.Exporter)
		}
		if cfg.Tracing.Exporter == "otlp" && cfg.Tracing.OTLPEndpoint == "" {
			add("tracing.otlp_endpoint is required for the otlp exporter")
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			add("tracing.sample_rate must be between 0 and 1 (got %v)", cfg.Tracing.SampleRate)
		}
	}

	return problems
}

func unresolved(value string) string {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return m[1]
	}
	return ""
}
