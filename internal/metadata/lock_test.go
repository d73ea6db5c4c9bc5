package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/clock/system"
)

func TestAcquireRunLock_Exclusive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clock := system.NewManual(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))

	first, err := AcquireRunLock(dir, "run-1", clock, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "run-1", first.Info().RunID)

	_, err = AcquireRunLock(dir, "run-2", clock, time.Hour)
	require.ErrorIs(t, err, ErrLocked)
	require.ErrorContains(t, err, "run-1")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := AcquireRunLock(dir, "run-2", clock, time.Hour)
	require.NoError(t, err)
	holder, err := ReadLock(dir)
	require.NoError(t, err)
	require.Equal(t, "run-2", holder.RunID)
	require.NoError(t, second.Release())
}

func TestAcquireRunLock_BreaksStaleLock(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clock := system.NewManual(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))

	_, err := AcquireRunLock(dir, "crashed", clock, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	lock, err := AcquireRunLock(dir, "fresh", clock, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "fresh", lock.Info().RunID)
}

func TestAcquireRunLock_NoStaleBreakWhenDisabled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clock := system.NewManual(time.Now())

	_, err := AcquireRunLock(dir, "holder", clock, 0)
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = AcquireRunLock(dir, "other", clock, 0)
	require.ErrorIs(t, err, ErrLocked)
}

func TestOpen_IgnoresLockFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	_, err := AcquireRunLock(dir, "run", system.NewManual(time.Now()), 0)
	require.NoError(t, err)

	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.Empty(t, s.Groups())
}

func TestAcquireRunLock_EmptyLockFileUsesModTime(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	now := time.Now().UTC()
	clock := system.NewManual(now)
	path := filepath.Join(dir, LockFileName)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := AcquireRunLock(dir, "too-soon", clock, time.Hour)
	require.ErrorIs(t, err, ErrLocked)

	old := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	lock, err := AcquireRunLock(dir, "fresh", clock, time.Hour)
	require.NoError(t, err)
	holder, err := ReadLock(dir)
	require.NoError(t, err)
	require.Equal(t, "fresh", holder.RunID)
	require.NoError(t, lock.Release())
}
