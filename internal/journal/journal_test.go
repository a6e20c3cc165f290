package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkpool/internal/dispatch"
)

var _ dispatch.Journal = (*Run)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	run, err := s.BeginRun(ctx, "abc123", 2)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	spawned := time.Now().UTC()
	require.NoError(t, run.RecordSpawn(ctx, 101, spawned))
	require.NoError(t, run.RecordSpawn(ctx, 102, spawned))
	require.NoError(t, run.RecordMessage(ctx, 101, DirectionOut, "work", 0, ""))
	require.NoError(t, run.RecordMessage(ctx, 101, DirectionIn, "done", 0, ""))
	require.NoError(t, run.RecordMessage(ctx, 102, DirectionOut, "exit", -1, ""))
	require.NoError(t, run.RecordMessage(ctx, 102, DirectionIn, "error", 4, "disk full"))
	require.NoError(t, run.RecordExit(ctx, 101, 0, "", spawned.Add(time.Second)))
	require.NoError(t, run.RecordExit(ctx, 102, -1, "killed", spawned.Add(time.Second)))
	require.NoError(t, run.Stop(ctx))

	sum, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", sum.ConfigHash)
	assert.Equal(t, 2, sum.Workers)
	assert.Equal(t, 2, sum.Exited)
	assert.Equal(t, 1, sum.Abnormal)
	assert.Equal(t, 4, sum.Messages)
	require.NotNil(t, sum.StoppedAt)

	workers, err := s.Workers(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, 101, workers[0].PID)
	require.NotNil(t, workers[0].ExitCode)
	assert.Equal(t, 0, *workers[0].ExitCode)
	assert.Equal(t, "killed", workers[1].Signal)

	counts, err := s.MessageCounts(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []MessageCount{
		{PID: 101, Direction: "in", Kind: "done", Count: 1},
		{PID: 101, Direction: "out", Kind: "work", Count: 1},
		{PID: 102, Direction: "in", Kind: "error", Count: 1},
		{PID: 102, Direction: "out", Kind: "exit", Count: 1},
	}, counts)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.BeginRun(ctx, "", 1)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.BeginRun(ctx, "", 3)
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)
	assert.Nil(t, runs[0].StoppedAt)
	assert.Empty(t, runs[0].ConfigHash)

	limited, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = (&Run{ID: "missing", store: s}).Stop(ctx)
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = (&Run{ID: "missing", store: s}).RecordMessage(ctx, 1, DirectionIn, "done", 1, "")
	assert.Error(t, err, "foreign key must reject messages for unknown runs")
}
