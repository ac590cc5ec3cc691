// Package pool maintains, per dependency key, a bounded set of live warm
// workers and mediates access to them. Acquire hands out idle workers,
// spawns up to the per-key cap, and otherwise queues callers FIFO until a
// worker frees up or the caller's deadline fires.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/internal/envcache"
	"github.com/portofcontext/isopod/internal/metrics"
	"github.com/portofcontext/isopod/internal/store"
	"github.com/portofcontext/isopod/protocol"
)

var (
	// ErrExhausted means no worker became available within the caller's
	// timeout.
	ErrExhausted = errors.New("worker pool exhausted")

	// ErrSpawn wraps a failure to start a fresh worker.
	ErrSpawn = errors.New("worker spawn failed")

	// ErrClosed is returned once the manager has been shut down.
	ErrClosed = errors.New("worker pool closed")
)

// terminateTimeout bounds best-effort worker teardown.
const terminateTimeout = 30 * time.Second

// replacementSpawnTimeout bounds the background spawn that replaces a
// retired worker while callers are queued.
const replacementSpawnTimeout = 60 * time.Second

type Options struct {
	MaxWorkersPerKey int
	MaxWorkerJobs    int
	MaxWorkerAge     time.Duration
	IdleTTL          time.Duration
	SweepInterval    time.Duration
}

type Manager struct {
	opts    Options
	driver  WorkerDriver
	rec     WorkerRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	pools  map[envcache.DependencyKey]*keyPool
	closed bool

	idleCount atomic.Int64
}

type waiter struct {
	ch chan *Worker // buffered(1); closed on shutdown
}

// keyPool holds the per-key shared state. Transitions on one key never
// contend with transitions on another.
type keyPool struct {
	mu      sync.Mutex
	env     *backend.EnvironmentHandle
	idle    []*Worker
	live    int // idle + busy + spawning
	waiters []*waiter // FIFO
}

func NewManager(opts Options, driver WorkerDriver, rec WorkerRecorder, mx *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		opts:    opts,
		driver:  driver,
		rec:     rec,
		metrics: mx,
		logger:  logger,
		pools:   make(map[envcache.DependencyKey]*keyPool),
	}
}

func (m *Manager) keyPool(key envcache.DependencyKey, env *backend.EnvironmentHandle) *keyPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.pools[key]
	if !ok {
		kp = &keyPool{env: env}
		m.pools[key] = kp
	}
	return kp
}

func (m *Manager) getPool(key envcache.DependencyKey) *keyPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[key]
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Acquire returns a busy worker bound to env's key. The context deadline
// bounds the wait; on expiry the caller gets ErrExhausted and any worker
// handed over concurrently is passed to the next waiter instead of leaking.
func (m *Manager) Acquire(ctx context.Context, env *envcache.Environment) (*Worker, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	kp := m.keyPool(env.Key, env.Handle)

	for {
		kp.mu.Lock()

		// Reuse the most recently released worker first; it is warmest.
		if n := len(kp.idle); n > 0 {
			w := kp.idle[n-1]
			kp.idle = kp.idle[:n-1]
			kp.mu.Unlock()
			m.idleCount.Add(-1)
			m.metrics.SetIdleWorkers(int(m.idleCount.Load()))

			if !m.driver.ProbeLiveness(ctx, w.Handle) {
				m.logger.Warn("idle worker unresponsive, discarding", "worker", w.ID, "key", env.Key.Short())
				m.retire(kp, w, "unresponsive")
				continue
			}

			kp.mu.Lock()
			w.state = StateBusy
			w.LastActivity = time.Now().UTC()
			kp.mu.Unlock()
			m.recordUpdate(w, store.WorkerBusy)
			return w, nil
		}

		if kp.live < m.opts.MaxWorkersPerKey {
			kp.live++
			kp.mu.Unlock()

			w, err := m.spawn(ctx, env.Key, kp)
			if err != nil {
				kp.mu.Lock()
				kp.live--
				kp.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrSpawn, err)
			}
			return w, nil
		}

		wt := &waiter{ch: make(chan *Worker, 1)}
		kp.waiters = append(kp.waiters, wt)
		kp.mu.Unlock()

		select {
		case w, ok := <-wt.ch:
			if !ok || w == nil {
				return nil, ErrClosed
			}
			return w, nil
		case <-ctx.Done():
			kp.mu.Lock()
			removed := removeWaiter(&kp.waiters, wt)
			kp.mu.Unlock()
			if !removed {
				// A releaser picked this waiter before the cancellation
				// landed; pass the worker on rather than leaking it busy.
				select {
				case w, ok := <-wt.ch:
					if ok && w != nil {
						m.requeue(kp, w)
					}
				default:
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrExhausted, ctx.Err())
		}
	}
}

// Release returns a worker after a call. A compromising outcome discards
// it; otherwise the job counter advances, rotation thresholds are checked,
// and the worker is handed to the oldest waiter or parked idle.
func (m *Manager) Release(w *Worker, out *protocol.Outcome) {
	kp := m.getPool(w.Key)
	if kp == nil {
		m.terminate(w)
		return
	}

	if m.isClosed() {
		kp.mu.Lock()
		w.state = StateRetiring
		kp.live--
		kp.mu.Unlock()
		m.metrics.WorkerRetired("shutdown")
		m.recordUpdate(w, store.WorkerTerminated)
		m.terminate(w)
		return
	}

	if out.CompromisesWorker() {
		kp.mu.Lock()
		w.state = StateFailed
		kp.mu.Unlock()
		m.retire(kp, w, "compromised")
		return
	}

	kp.mu.Lock()
	w.Jobs++
	due := w.rotationDue(m.opts.MaxWorkerJobs, m.opts.MaxWorkerAge, time.Now().UTC())
	kp.mu.Unlock()

	if due {
		m.retire(kp, w, "rotation")
		return
	}

	m.requeue(kp, w)
}

// requeue hands a healthy worker to the oldest waiter, or parks it idle.
func (m *Manager) requeue(kp *keyPool, w *Worker) {
	kp.mu.Lock()
	if wt := popWaiter(&kp.waiters); wt != nil {
		w.state = StateBusy
		w.LastActivity = time.Now().UTC()
		// Send while holding the lock; the channel is buffered so this
		// never blocks. A popped waiter has therefore always been sent
		// to, and a concurrently cancelled one can always drain its
		// channel and pass the worker on.
		wt.ch <- w
		kp.mu.Unlock()
		m.recordUpdate(w, store.WorkerBusy)
		return
	}

	// Re-check closed in the same critical section that parks the worker:
	// Shutdown drains the idle set after flagging closed, so a release
	// racing it must not park afterwards.
	if m.isClosed() {
		w.state = StateRetiring
		kp.live--
		kp.mu.Unlock()
		m.metrics.WorkerRetired("shutdown")
		m.recordUpdate(w, store.WorkerTerminated)
		m.terminate(w)
		return
	}

	w.state = StateIdle
	w.LastActivity = time.Now().UTC()
	kp.idle = append(kp.idle, w)
	kp.mu.Unlock()

	m.idleCount.Add(1)
	m.metrics.SetIdleWorkers(int(m.idleCount.Load()))
	m.recordUpdate(w, store.WorkerIdle)
}

// retire takes a worker out of rotation: it is excluded from the idle set,
// terminated in the background, and replaced by a fresh spawn when callers
// are queued so the queue keeps draining.
func (m *Manager) retire(kp *keyPool, w *Worker, reason string) {
	kp.mu.Lock()
	if w.state != StateFailed {
		w.state = StateRetiring
	}
	kp.live--
	needSpawn := len(kp.waiters) > 0 && kp.live < m.opts.MaxWorkersPerKey
	if needSpawn {
		kp.live++
	}
	kp.mu.Unlock()

	m.metrics.WorkerRetired(reason)
	m.recordUpdate(w, store.WorkerTerminated)
	m.logger.Info("worker retired", "worker", w.ID, "key", w.Key.Short(), "jobs", w.Jobs, "reason", reason)

	go func() {
		m.terminate(w)
	}()

	if needSpawn {
		go m.spawnForWaiter(w.Key, kp)
	}
}

func (m *Manager) spawn(ctx context.Context, key envcache.DependencyKey, kp *keyPool) (*Worker, error) {
	kp.mu.Lock()
	env := kp.env
	kp.mu.Unlock()

	handle, err := m.driver.SpawnWorker(ctx, env)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := handle.ID
	if id == "" {
		id = uuid.New().String()[:12]
	}
	w := &Worker{
		ID:           id,
		Handle:       handle,
		Key:          key,
		CreatedAt:    now,
		LastActivity: now,
		state:        StateBusy,
	}

	m.metrics.WorkerSpawned()
	if m.rec != nil {
		err := m.rec.CreateWorker(&store.Worker{
			ID:           id,
			EnvKey:       string(key),
			ContainerID:  handle.ContainerID,
			Status:       store.WorkerBusy,
			CreatedAt:    now,
			LastActivity: now,
		})
		if err != nil {
			m.logger.Warn("record worker", "worker", id, "error", err)
		}
	}

	return w, nil
}

// spawnForWaiter replaces a retired worker while callers are queued. The
// live slot was already reserved by the caller.
func (m *Manager) spawnForWaiter(key envcache.DependencyKey, kp *keyPool) {
	ctx, cancel := context.WithTimeout(context.Background(), replacementSpawnTimeout)
	defer cancel()

	w, err := m.spawn(ctx, key, kp)
	if err != nil {
		m.logger.Warn("replacement spawn failed", "key", key.Short(), "error", err)
		kp.mu.Lock()
		kp.live--
		kp.mu.Unlock()
		return
	}
	m.requeue(kp, w)
}

func (m *Manager) terminate(w *Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if err := m.driver.Terminate(ctx, w.Handle); err != nil {
		m.logger.Warn("terminate worker", "worker", w.ID, "error", err)
	}
	kp := m.getPool(w.Key)
	if kp != nil {
		kp.mu.Lock()
		w.state = StateTerminated
		kp.mu.Unlock()
	}
}

func (m *Manager) recordUpdate(w *Worker, status string) {
	if m.rec == nil {
		return
	}
	if err := m.rec.UpdateWorker(w.ID, status, w.Jobs); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("update worker record", "worker", w.ID, "error", err)
	}
}

// Prewarm spawns up to n idle workers for env, bounded by the per-key cap.
func (m *Manager) Prewarm(ctx context.Context, env *envcache.Environment, n int) error {
	kp := m.keyPool(env.Key, env.Handle)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			kp.mu.Lock()
			if kp.live >= m.opts.MaxWorkersPerKey {
				kp.mu.Unlock()
				return nil
			}
			kp.live++
			kp.mu.Unlock()

			w, err := m.spawn(ctx, env.Key, kp)
			if err != nil {
				kp.mu.Lock()
				kp.live--
				kp.mu.Unlock()
				return fmt.Errorf("%w: %s", ErrSpawn, err)
			}
			m.requeue(kp, w)
			return nil
		})
	}
	return g.Wait()
}

// Run periodically sweeps stale idle workers until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("pool sweeper started", "interval", m.opts.SweepInterval)

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pool sweeper stopped")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep retires idle workers past max age or the idle TTL. Busy workers
// are never touched; rotation for those happens at release.
func (m *Manager) sweep() {
	now := time.Now().UTC()
	for _, kp := range m.snapshotPools() {
		var stale []*Worker

		kp.mu.Lock()
		kept := kp.idle[:0]
		for _, w := range kp.idle {
			tooOld := m.opts.MaxWorkerAge > 0 && now.Sub(w.CreatedAt) >= m.opts.MaxWorkerAge
			tooIdle := m.opts.IdleTTL > 0 && now.Sub(w.LastActivity) >= m.opts.IdleTTL
			if tooOld || tooIdle {
				stale = append(stale, w)
			} else {
				kept = append(kept, w)
			}
		}
		kp.idle = kept
		kp.mu.Unlock()

		for _, w := range stale {
			m.idleCount.Add(-1)
			m.retire(kp, w, "sweep")
		}
	}
	m.metrics.SetIdleWorkers(int(m.idleCount.Load()))
}

func (m *Manager) snapshotPools() []*keyPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]*keyPool, 0, len(m.pools))
	for _, kp := range m.pools {
		pools = append(pools, kp)
	}
	return pools
}

// Shutdown stops handing out workers, wakes queued waiters with ErrClosed
// and terminates all idle workers. Busy workers are terminated when their
// calls release them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	for _, kp := range m.snapshotPools() {
		kp.mu.Lock()
		idle := kp.idle
		kp.idle = nil
		kp.live -= len(idle)
		waiters := kp.waiters
		kp.waiters = nil
		kp.mu.Unlock()

		for _, wt := range waiters {
			close(wt.ch)
		}

		for _, w := range idle {
			m.idleCount.Add(-1)
			kp.mu.Lock()
			w.state = StateRetiring
			kp.mu.Unlock()
			m.metrics.WorkerRetired("shutdown")
			m.recordUpdate(w, store.WorkerTerminated)
			if err := m.driver.Terminate(ctx, w.Handle); err != nil {
				m.logger.Warn("terminate worker", "worker", w.ID, "error", err)
			}
			kp.mu.Lock()
			w.state = StateTerminated
			kp.mu.Unlock()
		}
	}
	m.metrics.SetIdleWorkers(0)
}

// IdleCount reports the number of idle workers across all keys.
func (m *Manager) IdleCount() int {
	return int(m.idleCount.Load())
}

func popWaiter(waiters *[]*waiter) *waiter {
	if len(*waiters) == 0 {
		return nil
	}
	wt := (*waiters)[0]
	*waiters = (*waiters)[1:]
	return wt
}

func removeWaiter(waiters *[]*waiter, wt *waiter) bool {
	for i, cur := range *waiters {
		if cur == wt {
			*waiters = append((*waiters)[:i], (*waiters)[i+1:]...)
			return true
		}
	}
	return false
}
