package lifecycle_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/lifecycle"
)

func fastBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 5 * time.Millisecond
	b.Reset()
	return b
}

func TestRegisterStartsRunning(t *testing.T) {
	sup := lifecycle.New(func(string) error { return nil })
	sup.Register("w1", "/tmp/w1.log")

	rec, ok := sup.Get("w1")
	require.True(t, ok)
	assert.Equal(t, lifecycle.Running, rec.State)
	assert.Equal(t, 0, rec.RestartCount)
}

func TestReportCrashed_RestartsAndIncrementsCount(t *testing.T) {
	var spawned int32
	sup := lifecycle.New(func(string) error {
		atomic.AddInt32(&spawned, 1)
		return nil
	}, lifecycle.WithMaxRestarts(3), lifecycle.WithBackoffFactory(fastBackoff))
	sup.Register("w1", "/tmp/w1.log")

	err := sup.ReportCrashed(context.Background(), "w1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&spawned))
	rec, _ := sup.Get("w1")
	assert.Equal(t, lifecycle.Running, rec.State)
	assert.Equal(t, 1, rec.RestartCount)
}

func TestReportCrashed_ExhaustsRestartBudget(t *testing.T) {
	sup := lifecycle.New(func(string) error { return nil }, lifecycle.WithMaxRestarts(1), lifecycle.WithBackoffFactory(fastBackoff))
	sup.Register("w1", "/tmp/w1.log")

	require.NoError(t, sup.ReportCrashed(context.Background(), "w1"))
	err := sup.ReportCrashed(context.Background(), "w1")
	assert.Error(t, err)

	rec, _ := sup.Get("w1")
	assert.Equal(t, lifecycle.Crashed, rec.State)
}

func TestReportCrashed_PropagatesSpawnError(t *testing.T) {
	sup := lifecycle.New(func(string) error { return assert.AnError }, lifecycle.WithBackoffFactory(fastBackoff))
	sup.Register("w1", "/tmp/w1.log")

	err := sup.ReportCrashed(context.Background(), "w1")
	assert.Error(t, err)
}

func TestReportCrashed_CancelledContextAbortsWait(t *testing.T) {
	sup := lifecycle.New(func(string) error { return nil })
	sup.Register("w1", "/tmp/w1.log")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sup.ReportCrashed(ctx, "w1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReportHealthy_ResetsRestartCountAfterSustainedWindow(t *testing.T) {
	sup := lifecycle.New(func(string) error { return nil }, lifecycle.WithBackoffFactory(fastBackoff))
	sup.Register("w1", "/tmp/w1.log")

	require.NoError(t, sup.ReportCrashed(context.Background(), "w1"))
	rec, _ := sup.Get("w1")
	require.Equal(t, 1, rec.RestartCount)

	// Force SpawnedAt far enough in the past to simulate a sustained
	// running window without sleeping in the test.
	rec.SpawnedAt = time.Now().UTC().Add(-lifecycle.SustainedRunningWindow - time.Second)

	sup.ReportHealthy("w1")
	rec2, _ := sup.Get("w1")
	assert.Equal(t, 0, rec2.RestartCount)
}

func TestRunHealthChecks_RestartsDeadWorkers(t *testing.T) {
	var spawned int32
	sup := lifecycle.New(func(string) error {
		atomic.AddInt32(&spawned, 1)
		return nil
	}, lifecycle.WithHealthCheckInterval(5*time.Millisecond), lifecycle.WithBackoffFactory(fastBackoff))
	sup.Register("w1", "/tmp/w1.log")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sup.RunHealthChecks(ctx, func(workerID string) bool { return false })

	assert.GreaterOrEqual(t, atomic.LoadInt32(&spawned), int32(1))
}

func TestRotateLogIfNeeded_RotatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.log")
	big := strings.Repeat("x", lifecycle.LogRotateThreshold+1)
	require.NoError(t, os.WriteFile(path, []byte(big), 0o644))

	rotated, err := lifecycle.RotateLogIfNeeded(path)
	require.NoError(t, err)
	assert.True(t, rotated)

	_, err = os.Stat(path + ".old")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRotateLogIfNeeded_LeavesSmallFileAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.log")
	require.NoError(t, os.WriteFile(path, []byte("small"), 0o644))

	rotated, err := lifecycle.RotateLogIfNeeded(path)
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestRotateLogIfNeeded_MissingFileIsNotAnError(t *testing.T) {
	rotated, err := lifecycle.RotateLogIfNeeded(filepath.Join(t.TempDir(), "missing.log"))
	require.NoError(t, err)
	assert.False(t, rotated)
}
