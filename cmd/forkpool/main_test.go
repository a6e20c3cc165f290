package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/journal"
	"github.com/mattjoyce/forkpool/internal/log"
)

const helperEnv = "FORKPOOL_CMD_TEST_WORKER"

// TestMain lets the run tests re-exec the test binary as `forkpool worker`.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		root := newRootCmd()
		root.SetArgs(os.Args[1:])
		root.SetErr(io.Discard)
		if err := root.Execute(); err != nil {
			os.Exit(exitCode(err))
		}
		os.Exit(0)
	}

	log.SetupWriter("error", "json", io.Discard)
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	// Worker processes share stderr; io.Discard is safe for concurrent writes.
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "forkpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func poolConfig(t *testing.T, workers, maxRetries int) (cfgPath, dbPath string) {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}
	t.Setenv(helperEnv, "1")

	dir := t.TempDir()
	dbPath = filepath.Join(dir, "journal.db")
	cfgPath = writeConfig(t, dir, fmt.Sprintf(`
pool:
  workers: %d
  max_retries: %d
  shutdown_grace: 5s
  worker_command: [%q, "worker", "--log-level", "error"]
log:
  level: error
journal:
  enabled: true
  path: %s
lock_path: %s
`, workers, maxRetries, os.Args[0], dbPath, filepath.Join(dir, "forkpool.lock")))
	return cfgPath, dbPath
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version, info.Version)
	assert.NotEmpty(t, info.Commit)
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-03-01T10:00:00.5+02:00")
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T08:00:00Z", got)

	_, ok = normalizeBuildTimeUTC("unknown")
	assert.False(t, ok)
	assert.Equal(t, "abcdef012345", shortenCommit("abcdef0123456789"))
}

func TestExitCode(t *testing.T) {
	drained := &exitError{code: 2, err: errors.New("2 items failed")}

	assert.Equal(t, 2, exitCode(drained))
	assert.Equal(t, 2, exitCode(fmt.Errorf("run: %w", drained)))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestRunDrainRetriesAndJournals(t *testing.T) {
	cfgPath, dbPath := poolConfig(t, 2, 2)

	out, err := execute(t, "run", "-c", cfgPath, "--submit", "6", "--drain", "--payload", `{"fail_attempts":1}`)
	require.NoError(t, err)

	var totals runTotals
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &totals))
	assert.Equal(t, runTotals{Settled: 6}, totals)

	out, err = execute(t, "journal", "runs", "--db", dbPath, "--json")
	require.NoError(t, err)
	var runs []journal.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Workers)
	assert.Equal(t, 2, runs[0].Exited)
	assert.Zero(t, runs[0].Abnormal)
	assert.NotNil(t, runs[0].StoppedAt)
	// 6 work + 6 error + 6 retry + 6 done, plus exit and its ack per worker.
	assert.Equal(t, 28, runs[0].Messages)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Fingerprint, runs[0].ConfigHash)

	out, err = execute(t, "journal", "show", runs[0].ID, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, runs[0].ID)
}

func TestRunDrainReportsExhaustedRetries(t *testing.T) {
	cfgPath, _ := poolConfig(t, 1, 1)

	out, err := execute(t, "run", "-c", cfgPath, "--submit", "2", "--drain", "--payload", `{"fail_attempts":5}`)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	var totals runTotals
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &totals))
	assert.Equal(t, runTotals{Failed: 2}, totals)
}

func TestRunDrainFollowsNewWork(t *testing.T) {
	cfgPath, _ := poolConfig(t, 2, 0)

	out, err := execute(t, "run", "-c", cfgPath, "--submit", "1", "--drain", "--payload", `{"spawn":[{},{},{}]}`)
	require.NoError(t, err)

	var totals runTotals
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &totals))
	assert.Equal(t, runTotals{Settled: 4}, totals)
}

func TestRunRejectsBadFlags(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "lock_path: "+filepath.Join(dir, "l.lock")+"\n")

	_, err := execute(t, "run", "-c", cfgPath, "--workers=-1")
	require.ErrorIs(t, err, config.ErrInvalidConfiguration)

	_, err = execute(t, "run", "-c", cfgPath, "--payload", "{nope")
	require.Error(t, err)
}

func TestConfigHash(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "pool:\n  workers: 3\n")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	want := config.Fingerprint(data)

	out, err := execute(t, "config", "hash", "-c", cfgPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, want+"  "), out)

	_, err = execute(t, "config", "hash", "-c", cfgPath, "--verify", want)
	require.NoError(t, err)

	_, err = execute(t, "config", "hash", "-c", cfgPath, "--verify", strings.Repeat("0", len(want)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestConfigShowMasksKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "pool:\n  workers: 3\napi:\n  api_key: s3cret\n")

	out, err := execute(t, "config", "show", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "workers: 3")
	assert.NotContains(t, out, "s3cret")
}

func TestDoctorJSON(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "pool:\n  workers: 2\nlock_path: "+filepath.Join(dir, "l.lock")+"\n")

	out, err := execute(t, "doctor", "-c", cfgPath, "--json", "--no-spawn")
	require.NoError(t, err)

	var result struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Valid)
}
