package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forkpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file yields defaults",
			yaml: ``,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0, cfg.Pool.Workers)
				assert.Equal(t, 64, cfg.Pool.SendBuffer)
				assert.Equal(t, 10*time.Minute, cfg.Pool.OutstandingTTL)
				assert.Equal(t, 3, cfg.Pool.MaxRetries)
				assert.Equal(t, "127.0.0.1:8089", cfg.API.Listen)
				assert.Equal(t, DefaultWorkerCount(), cfg.EffectiveWorkers())
			},
		},
		{
			name: "partial sections keep other defaults",
			yaml: `
pool:
  workers: 3
  max_retries: 0
log:
  level: debug
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3, cfg.EffectiveWorkers())
				assert.Equal(t, 0, cfg.Pool.MaxRetries)
				assert.Equal(t, 64, cfg.Pool.SendBuffer)
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.Equal(t, "json", cfg.Log.Format)
			},
		},
		{
			name: "env interpolation",
			yaml: `
api:
  enabled: true
  api_key: ${FORKPOOL_TEST_KEY}
pool:
  worker_command: ["${FORKPOOL_TEST_BIN}", "worker"]
`,
			env: map[string]string{"FORKPOOL_TEST_KEY": "s3cret", "FORKPOOL_TEST_BIN": "/usr/local/bin/fp"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "s3cret", cfg.API.APIKey)
				assert.Equal(t, []string{"/usr/local/bin/fp", "worker"}, cfg.Pool.WorkerCommand)
			},
		},
		{
			name: "unset env var in api key",
			yaml: `
api:
  enabled: true
  api_key: ${FORKPOOL_TEST_MISSING}
`,
			wantErr: "${FORKPOOL_TEST_MISSING} is not set",
		},
		{
			name:    "negative workers",
			yaml:    "pool:\n  workers: -2\n",
			wantErr: "pool.workers must not be negative",
		},
		{
			name:    "unknown key",
			yaml:    "pool:\n  worker: 2\n",
			wantErr: "field worker not found",
		},
		{
			name:    "bad log level",
			yaml:    "log:\n  level: loud\n",
			wantErr: "log.level must be one of",
		},
		{
			name: "tracing exporter",
			yaml: `
tracing:
  enabled: true
  exporter: zipkin
  sample_rate: 2
`,
			wantErr: "tracing.exporter must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.SourcePath)
			assert.Len(t, cfg.Fingerprint, 64)
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoad_ValidationErrorsAreTyped(t *testing.T) {
	_, err := Load(writeConfig(t, "pool:\n  send_buffer: 0\n  max_retries: -1\n"))
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), "pool.send_buffer")
	assert.Contains(t, err.Error(), "pool.max_retries")
}

func TestLoad_DirectoryUsesConfigYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("pool:\n  workers: 2\n"), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.Workers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadOrDefault_UsesEnvPath(t *testing.T) {
	path := writeConfig(t, "pool:\n  workers: 5\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pool.Workers)
}

func TestDefaultWorkerCount(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkerCount(), 1)
	require.NoError(t, Validate(Defaults()))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("pool:\n  workers: 1\n"))
	b := Fingerprint([]byte("pool:\n  workers: 2\n"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Fingerprint([]byte("pool:\n  workers: 1\n")))

	path := writeConfig(t, "pool:\n  workers: 1\n")
	require.NoError(t, VerifyFileHash(path, a))
	assert.ErrorContains(t, VerifyFileHash(path, b), "hash mismatch")
}
