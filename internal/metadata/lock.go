package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// LockFileName is the run lock kept beside the group documents.
const LockFileName = ".run.lock"

// ErrLocked is returned when another run holds the metadata directory.
var ErrLocked = errors.New("metadata directory locked by another run")

// LockInfo is written into the lock file.
type LockInfo struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// RunLock is an exclusive claim on a metadata directory.
type RunLock struct {
	path string
	info LockInfo
}

// AcquireRunLock creates the lock file exclusively. A lock older than
// staleAfter (when positive) is assumed abandoned and replaced.
func AcquireRunLock(dir, runID string, clock analyzer.Clock, staleAfter time.Duration) (*RunLock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	host, _ := os.Hostname()
	info := LockInfo{
		RunID:     runID,
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: clock.Now().UTC(),
	}
	path := filepath.Join(dir, LockFileName)
	for attempt := 0; attempt < 2; attempt++ {
		err := createLockFile(path, info)
		if err == nil {
			return &RunLock{path: path, info: info}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create run lock: %w", err)
		}
		holder, err := lockHolder(dir)
		if err != nil {
			return nil, err
		}
		if staleAfter <= 0 || clock.Now().Sub(holder.StartedAt) < staleAfter {
			return nil, fmt.Errorf("%w: run %s (pid %d) since %s",
				ErrLocked, holder.RunID, holder.PID, holder.StartedAt.Format(time.RFC3339))
		}
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("break stale run lock: %w", rmErr)
		}
	}
	return nil, fmt.Errorf("%w: lock contended", ErrLocked)
}

// ReadLock returns the current holder of the directory's lock.
func ReadLock(dir string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(filepath.Join(dir, LockFileName)) // #nosec G304 -- fixed file name.
	if err != nil {
		return info, fmt.Errorf("read run lock: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decode run lock: %w", err)
	}
	return info, nil
}

// lockHolder reads the lock. A lock left empty or truncated by a crash before
// it was written falls back to the file's modification time as its start.
func lockHolder(dir string) (LockInfo, error) {
	holder, err := ReadLock(dir)
	if err == nil {
		return holder, nil
	}
	stat, statErr := os.Stat(filepath.Join(dir, LockFileName))
	if statErr != nil {
		return holder, fmt.Errorf("%w: unreadable lock file: %v", ErrLocked, err)
	}
	return LockInfo{RunID: "unknown", StartedAt: stat.ModTime().UTC()}, nil
}

// Info returns what was written into the lock.
func (l *RunLock) Info() LockInfo {
	return l.info
}

// Release removes the lock file. Releasing twice is harmless.
func (l *RunLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

func createLockFile(path string, info LockInfo) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- fixed file name.
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(info); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write run lock: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("sync run lock: %w", err)
	}
	return f.Close()
}
