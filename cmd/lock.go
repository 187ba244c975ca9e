package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var instanceLock *flock.Flock

func lockPath() string {
	return filepath.Join(cfg.DataDir, "bridge.lock")
}

// AcquireLock grabs the single-instance lock for "serve", non-blocking.
// A false return with no error means another serve is already running.
func AcquireLock() (bool, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return false, fmt.Errorf("creating data dir: %w", err)
	}
	instanceLock = flock.New(lockPath())
	locked, err := instanceLock.TryLock()
	if err != nil {
		return false, fmt.Errorf("locking %s: %w", lockPath(), err)
	}
	return locked, nil
}

func ReleaseLock() error {
	if instanceLock == nil {
		return nil
	}
	return instanceLock.Unlock()
}
