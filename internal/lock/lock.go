// Package lock provides per-agent mutual exclusion for worker runs. An
// acquisition is a single non-blocking attempt: contention is reported as
// ErrLockHeld and never waited on.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned by TryAcquire when another run holds the lock.
var ErrLockHeld = errors.New("lock: held by another run")

// Locker hands out per-agent guards.
type Locker interface {
	TryAcquire(ctx context.Context, agentID string) (*Guard, error)
}

// Holder describes the process that owns a lock.
type Holder struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Created  time.Time `json:"created"`
}

// Guard is a held lock. Release is safe to call any number of times; only
// the first call releases.
type Guard struct {
	agentID string
	once    sync.Once
	release func() error
	err     error
}

func newGuard(agentID string, release func() error) *Guard {
	return &Guard{agentID: agentID, release: release}
}

// AgentID returns the agent the guard protects.
func (g *Guard) AgentID() string {
	return g.agentID
}

// Release gives the lock up.
func (g *Guard) Release() error {
	g.once.Do(func() {
		g.err = g.release()
	})
	return g.err
}
