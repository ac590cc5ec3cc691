// Package dispatch runs one call end to end: resolve the environment,
// acquire a worker, execute, release. A single wall-clock budget covers
// the whole sequence, so time burned waiting on provisioning or on the
// pool is not granted again to the call itself.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/internal/envcache"
	"github.com/portofcontext/isopod/internal/metrics"
	"github.com/portofcontext/isopod/internal/pool"
	"github.com/portofcontext/isopod/protocol"
)

// Resolver returns a ready environment for a dependency set.
type Resolver interface {
	Resolve(ctx context.Context, specs []string) (*envcache.Environment, error)
}

// Pool hands out and takes back workers.
type Pool interface {
	Acquire(ctx context.Context, env *envcache.Environment) (*pool.Worker, error)
	Release(w *pool.Worker, out *protocol.Outcome)
}

// Executor performs the call round trip against a held worker.
type Executor interface {
	Execute(ctx context.Context, w *backend.WorkerHandle, payload []byte) *protocol.Outcome
}

type Dispatcher struct {
	resolver Resolver
	pool     Pool
	exec     Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger

	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

func New(resolver Resolver, p Pool, exec Executor, mx *metrics.Metrics, logger *slog.Logger, defaultTimeout, maxTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		resolver:       resolver,
		pool:           p,
		exec:           exec,
		metrics:        mx,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
	}
}

// Dispatch runs one call and always returns a tagged outcome, never nil.
// timeout <= 0 selects the configured default; values above the configured
// maximum are clamped.
func (d *Dispatcher) Dispatch(ctx context.Context, specs []string, payload []byte, timeout time.Duration) *protocol.Outcome {
	start := time.Now()
	d.metrics.CallStarted()
	defer d.metrics.CallFinished()

	out := d.dispatch(ctx, specs, payload, timeout)
	d.metrics.ObserveDispatch(string(out.Kind), time.Since(start))
	if !out.OK() {
		d.logger.Info("call failed", "kind", string(out.Kind), "error", out.ErrMessage)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, specs []string, payload []byte, timeout time.Duration) *protocol.Outcome {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if d.maxTimeout > 0 && timeout > d.maxTimeout {
		timeout = d.maxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, err := d.resolver.Resolve(ctx, specs)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrUnavailable):
			return failure(protocol.KindBackendUnavailable, err)
		case ctx.Err() != nil:
			// The budget ran out while provisioning was still underway.
			return failure(protocol.KindTimeout, err)
		default:
			return failure(protocol.KindProvisioningError, err)
		}
	}

	w, err := d.pool.Acquire(ctx, env)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrExhausted):
			return failure(protocol.KindPoolExhausted, err)
		case errors.Is(err, pool.ErrClosed):
			return failure(protocol.KindBackendUnavailable, err)
		case errors.Is(err, pool.ErrSpawn):
			return failure(protocol.KindTransportError, err)
		case ctx.Err() != nil:
			return failure(protocol.KindTimeout, err)
		default:
			return failure(protocol.KindTransportError, err)
		}
	}

	out := d.exec.Execute(ctx, w.Handle, payload)
	d.pool.Release(w, out)
	return out
}

func failure(kind protocol.OutcomeKind, err error) *protocol.Outcome {
	return &protocol.Outcome{Kind: kind, ErrMessage: err.Error()}
}
