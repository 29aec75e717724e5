package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// OperationLock is a single-holder, file-based mutex over a run directory.
// Replay, fork, pause, and resume each acquire it for the duration of their
// mutations; held concurrently with an in-flight execution, it serializes
// the two (I2).
type OperationLock struct {
	path string
}

// lockPath returns the operation lock path for runDir.
func lockPath(runDir string) string {
	return filepath.Join(runDir, "runtime", "operation.lock")
}

// AcquireOperationLock creates "<run_dir>/runtime/operation.lock" with
// O_CREATE|O_EXCL. If the file already exists the lock is held by another
// operation and ErrOperationInProgress is returned.
func AcquireOperationLock(runDir string) (*OperationLock, error) {
	path := lockPath(runDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("operation_lock: create parent: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrOperationInProgress
		}
		return nil, fmt.Errorf("operation_lock: open: %w", err)
	}
	defer f.Close()
	payload := fmt.Sprintf("{\"pid\":%d,\"acquired_at\":%q}\n", os.Getpid(), time.Now().Format(time.RFC3339))
	_, _ = f.WriteString(payload)
	_ = f.Sync()
	return &OperationLock{path: path}, nil
}

// Release removes the lock file. It is safe to call more than once and on
// every exit path, including after a panic recovered by the caller —
// callers should `defer lock.Release()` immediately after a successful
// acquire.
func (l *OperationLock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// WithOperationLock acquires the run's operation lock, invokes fn, and
// releases the lock on every return path (including panic).
func WithOperationLock(runDir string, fn func() error) error {
	lock, err := AcquireOperationLock(runDir)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}
