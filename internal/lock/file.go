package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/basket/strata/internal/shared"
)

// FileLocker locks <root>/<agent>/.lock with flock(2). The kernel drops the
// lock when the holding process exits, so a crashed run never leaves a
// stale lock behind.
type FileLocker struct {
	root string
}

// NewFileLocker returns a locker rooted at root, normally <home>/memory.
func NewFileLocker(root string) *FileLocker {
	return &FileLocker{root: root}
}

// Path returns the lock file of agentID.
func (l *FileLocker) Path(agentID string) string {
	return filepath.Join(l.root, agentID, ".lock")
}

// TryAcquire takes the lock of agentID or returns an error wrapping
// ErrLockHeld.
func (l *FileLocker) TryAcquire(ctx context.Context, agentID string) (*Guard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := shared.ValidateAgentID(agentID); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	path := l.Path(agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if h, ok, _ := l.Holder(agentID); ok {
				return nil, fmt.Errorf("%w (pid %d on %s since %s)", ErrLockHeld, h.PID, h.Hostname, h.Created.Format(time.RFC3339))
			}
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}

	host, _ := os.Hostname()
	info, _ := json.Marshal(Holder{PID: os.Getpid(), Hostname: host, Created: time.Now().UTC()})
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(info, 0)
		_ = f.Sync()
	}

	return newGuard(agentID, func() error {
		_ = f.Truncate(0)
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		closeErr := f.Close()
		if unlockErr != nil {
			return fmt.Errorf("lock: unlock %s: %w", path, unlockErr)
		}
		return closeErr
	}), nil
}

// Holder reads the owner recorded in the lock file. ok is false when the
// lock is free or the file carries no owner.
func (l *FileLocker) Holder(agentID string) (Holder, bool, error) {
	data, err := os.ReadFile(l.Path(agentID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Holder{}, false, nil
		}
		return Holder{}, false, err
	}
	if len(data) == 0 {
		return Holder{}, false, nil
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return Holder{}, false, nil
	}
	return h, true, nil
}
