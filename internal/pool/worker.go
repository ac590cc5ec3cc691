package pool

import (
	"time"

	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/internal/envcache"
)

// State is a worker's lifecycle phase. Normal reuse loops idle → busy →
// idle; rotation exits via retiring, crashes via failed. Terminated is the
// only terminal state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateRetiring     State = "retiring"
	StateFailed       State = "failed"
	StateTerminated   State = "terminated"
)

// Worker is one live isolated session bound to an environment. Exactly one
// call holds a worker between Acquire and Release; state transitions happen
// under the owning key pool's lock.
type Worker struct {
	ID           string
	Handle       *backend.WorkerHandle
	Key          envcache.DependencyKey
	CreatedAt    time.Time
	Jobs         int
	LastActivity time.Time

	state State
}

// rotationDue reports whether the worker reached a rotation threshold.
// Job count is checked before age; whichever trips first retires it.
func (w *Worker) rotationDue(maxJobs int, maxAge time.Duration, now time.Time) bool {
	if maxJobs > 0 && w.Jobs >= maxJobs {
		return true
	}
	if maxAge > 0 && now.Sub(w.CreatedAt) >= maxAge {
		return true
	}
	return false
}
