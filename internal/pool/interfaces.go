package pool

import (
	"context"

	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/internal/store"
)

// WorkerDriver abstracts the backend operations the pool needs.
type WorkerDriver interface {
	SpawnWorker(ctx context.Context, env *backend.EnvironmentHandle) (*backend.WorkerHandle, error)
	ProbeLiveness(ctx context.Context, w *backend.WorkerHandle) bool
	Terminate(ctx context.Context, w *backend.WorkerHandle) error
}

// WorkerRecorder persists worker lifecycle for startup reconciliation.
// May be nil; recording is best-effort.
type WorkerRecorder interface {
	CreateWorker(w *store.Worker) error
	UpdateWorker(id string, status string, jobs int) error
	DeleteWorker(id string) error
}
