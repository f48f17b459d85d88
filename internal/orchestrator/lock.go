package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"labelflow/internal/fileutil"
)

type jobLock struct {
	lock *flock.Flock
	done bool
}

// acquireJobLock takes <lockDir>/job-<id>.lock without blocking.
func acquireJobLock(lockDir, jobID string) (*jobLock, bool, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(jobLockPath(lockDir, jobID))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock job %s: %w", jobID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &jobLock{lock: lock}, true, nil
}

func jobLockPath(lockDir, jobID string) string {
	return filepath.Join(lockDir, "job-"+jobID+".lock")
}

// remove deletes the lock file of a finished job while the lock is held.
func (l *jobLock) remove() {
	_ = fileutil.RemoveIfExists(l.lock.Path())
}

func (l *jobLock) release() {
	if l.done {
		return
	}
	l.done = true
	_ = l.lock.Unlock()
}
