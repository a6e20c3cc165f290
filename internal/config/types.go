package config

import (
	"runtime"
	"time"
)

// Config represents the complete forkpool configuration.
type Config struct {
	Pool     PoolConfig    `yaml:"pool"`
	Log      LogConfig     `yaml:"log"`
	API      APIConfig     `yaml:"api,omitempty"`
	Journal  JournalConfig `yaml:"journal,omitempty"`
	LockPath string        `yaml:"lock_path"`
	Tracing  TracingConfig `yaml:"tracing,omitempty"`

	// SourcePath and Fingerprint describe the file the config was loaded from.
	// Both are empty for Defaults().
	SourcePath  string `yaml:"-"`
	Fingerprint string `yaml:"-"`
}

// PoolConfig defines worker pool settings.
type PoolConfig struct {
	// Workers is the number of worker processes. 0 selects DefaultWorkerCount().
	Workers        int           `yaml:"workers"`
	SendBuffer     int           `yaml:"send_buffer"`
	OutstandingTTL time.Duration `yaml:"outstanding_ttl"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	MaxRetries     int           `yaml:"max_retries"`
	// WorkerCommand overrides the worker executable and arguments. Empty means
	// re-exec the running binary as `forkpool worker`.
	WorkerCommand []string `yaml:"worker_command,omitempty"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is the bearer token required by every endpoint except /healthz.
	// Empty disables authentication.
	APIKey string `yaml:"api_key"`
}

// JournalConfig defines the SQLite lifecycle journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig defines OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // stdout, otlp, none
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// DefaultWorkerCount is one worker per CPU, leaving one CPU to the
// coordinator, and never less than one.
func DefaultWorkerCount() int {
	return max(runtime.NumCPU()-1, 1)
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Pool: PoolConfig{
			Workers:        0,
			SendBuffer:     64,
			OutstandingTTL: 10 * time.Minute,
			ShutdownGrace:  10 * time.Second,
			MaxRetries:     3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8089",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "./data/forkpool.db",
		},
		LockPath: "./data/forkpool.lock",
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "forkpool",
		},
	}
}

// EffectiveWorkers resolves the configured worker count.
func (c *Config) EffectiveWorkers() int {
	if c.Pool.Workers == 0 {
		return DefaultWorkerCount()
	}
	return c.Pool.Workers
}
