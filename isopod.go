// Package isopod executes untrusted function calls inside isolated warm
// workers. Dependencies are provisioned once per canonical set and cached;
// workers are pooled per dependency key and rotated out after a job or age
// threshold. Every call returns a tagged outcome rather than an error for
// execution failures.
package isopod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/portofcontext/isopod/config"
	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/internal/backend/docker"
	"github.com/portofcontext/isopod/internal/dispatch"
	"github.com/portofcontext/isopod/internal/envcache"
	"github.com/portofcontext/isopod/internal/metrics"
	"github.com/portofcontext/isopod/internal/pool"
	"github.com/portofcontext/isopod/internal/store"
	"github.com/portofcontext/isopod/internal/transport"
	"github.com/portofcontext/isopod/protocol"
)

// ErrPayloadTooLarge means the encoded call exceeds the wire size cap.
var ErrPayloadTooLarge = errors.New("call payload exceeds size limit")

// Outcome is the tagged result of one executed call.
type Outcome = protocol.Outcome

// OutcomeKind tags an Outcome.
type OutcomeKind = protocol.OutcomeKind

const (
	KindOK                 = protocol.KindOK
	KindBackendUnavailable = protocol.KindBackendUnavailable
	KindProvisioningError  = protocol.KindProvisioningError
	KindPoolExhausted      = protocol.KindPoolExhausted
	KindTimeout            = protocol.KindTimeout
	KindTransportError     = protocol.KindTransportError
	KindApplicationError   = protocol.KindApplicationError
)

// Call is one function execution request. Source is a Go function literal
// the worker evaluates and applies to Args. Dependencies lists package
// specifiers the function's environment must provide; order and duplicates
// do not matter. Timeout <= 0 selects the configured default.
type Call struct {
	Source       string
	Args         []any
	Dependencies []string
	Timeout      time.Duration
}

// Options tunes client construction. The zero value is usable.
type Options struct {
	Logger   *slog.Logger
	Registry *prometheus.Registry // nil disables metrics
}

// Client is the host-side entry point. Safe for concurrent use.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	driver     backend.Driver
	store      *store.Store
	cache      *envcache.Cache
	pool       *pool.Manager
	dispatcher *dispatch.Dispatcher

	// unavailable is set when no isolation backend could be selected; all
	// calls then fail fast with KindBackendUnavailable.
	unavailable error

	stopBackground context.CancelFunc
	closeOnce      sync.Once
}

// New builds a client: selects the isolation backend, opens the state
// database, reconciles workers left over from a previous run, and starts
// the pool sweeper. A host with no usable backend still gets a client;
// its calls fail fast with KindBackendUnavailable.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{cfg: cfg, logger: logger}

	desc, err := backend.NewSelector(backend.Probe{}).Select()
	if err != nil {
		logger.Warn("no isolation backend on this host", "error", err)
		c.unavailable = err
		return c, nil
	}
	logger.Info("backend selected", "kind", string(desc.Kind), "host", desc.Host, "hardware_virt", desc.HardwareVirt)

	drv, err := docker.New(desc, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating backend driver: %w", err)
	}
	if err := drv.Ping(ctx); err != nil {
		drv.Close()
		logger.Warn("backend daemon unreachable", "error", err)
		c.unavailable = fmt.Errorf("%w: %s", backend.ErrUnavailable, err)
		return c, nil
	}
	c.driver = drv

	if cfg.DBPath != "" {
		st, err := store.New(cfg.DBPath)
		if err != nil {
			logger.Warn("opening state db, continuing without persistence", "path", cfg.DBPath, "error", err)
		} else {
			c.store = st
		}
	}

	mx := metrics.New(opts.Registry)

	var envStore envcache.EnvironmentStore
	var rec pool.WorkerRecorder
	if c.store != nil {
		envStore = c.store
		rec = c.store
	}

	c.cache = envcache.New(drv, envStore, mx, logger)
	if err := c.cache.WarmStart(); err != nil {
		logger.Warn("environment cache warm start", "error", err)
	}

	c.pool = pool.NewManager(pool.Options{
		MaxWorkersPerKey: cfg.Pool.MaxWorkersPerKey,
		MaxWorkerJobs:    cfg.Pool.MaxWorkerJobs,
		MaxWorkerAge:     cfg.MaxWorkerAge(),
		IdleTTL:          cfg.IdleTTL(),
		SweepInterval:    cfg.SweepInterval(),
	}, drv, rec, mx, logger)

	tr := transport.New(drv, logger)
	c.dispatcher = dispatch.New(c.cache, c.pool, tr, mx, logger, cfg.DefaultTimeout(), cfg.MaxTimeout())

	c.reconcile(ctx)

	bgCtx, cancel := context.WithCancel(context.Background())
	c.stopBackground = cancel
	if cfg.SweepInterval() > 0 {
		go c.pool.Run(bgCtx)
	}
	if len(cfg.Pool.Prewarm) > 0 {
		go c.prewarm(bgCtx)
	}

	return c, nil
}

// Execute runs one call and returns its tagged outcome. The returned error
// is non-nil only for malformed calls; execution failures of every kind
// come back inside the outcome.
func (c *Client) Execute(ctx context.Context, call Call) (*Outcome, error) {
	if c.unavailable != nil {
		return &Outcome{Kind: KindBackendUnavailable, ErrMessage: c.unavailable.Error()}, nil
	}
	payload, err := encodeCall(call)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Dispatch(ctx, call.Dependencies, payload, call.Timeout), nil
}

// Invalidate discards the cached environment for a dependency set. The
// next call using it provisions afresh.
func (c *Client) Invalidate(ctx context.Context, dependencies []string) {
	if c.cache == nil {
		return
	}
	c.cache.Invalidate(ctx, envcache.NewKey(dependencies))
}

// Close stops background work, retires idle workers and releases the
// backend connection. Busy workers are terminated as their calls finish.
func (c *Client) Close(ctx context.Context) error {
	var firstErr error
	c.closeOnce.Do(func() {
		if c.stopBackground != nil {
			c.stopBackground()
		}
		if c.pool != nil {
			c.pool.Shutdown(ctx)
		}
		if c.store != nil {
			if err := c.store.Close(); err != nil {
				firstErr = err
			}
		}
		if c.driver != nil {
			if err := c.driver.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// reconcile cleans up workers surviving from a previous process. They hold
// no recoverable state, so they are terminated and their records dropped.
func (c *Client) reconcile(ctx context.Context) {
	infos, err := c.driver.ListWorkers(ctx)
	if err != nil {
		c.logger.Warn("listing leftover workers", "error", err)
	} else {
		for _, info := range infos {
			h := &backend.WorkerHandle{ID: info.ID, ContainerID: info.ContainerID}
			if err := c.driver.Terminate(ctx, h); err != nil {
				c.logger.Warn("terminating leftover worker", "worker", info.ID, "error", err)
			}
		}
		if len(infos) > 0 {
			c.logger.Info("terminated leftover workers", "count", len(infos))
		}
	}

	if c.store == nil {
		return
	}
	live, err := c.store.ListLiveWorkers()
	if err != nil {
		c.logger.Warn("listing recorded workers", "error", err)
		return
	}
	for _, w := range live {
		if err := c.store.DeleteWorker(w.ID); err != nil {
			c.logger.Warn("dropping stale worker record", "worker", w.ID, "error", err)
		}
	}
}

// prewarm provisions configured dependency sets and fills their pools so
// the first calls skip the cold start.
func (c *Client) prewarm(ctx context.Context) {
	for joined, n := range c.cfg.Pool.Prewarm {
		specs := strings.Split(joined, ",")
		env, err := c.cache.Resolve(ctx, specs)
		if err != nil {
			c.logger.Warn("prewarm provisioning failed", "specs", joined, "error", err)
			continue
		}
		if err := c.pool.Prewarm(ctx, env, n); err != nil {
			c.logger.Warn("prewarm spawn failed", "specs", joined, "error", err)
		}
	}
}

func encodeCall(call Call) ([]byte, error) {
	p := protocol.CallPayload{Source: call.Source}
	for i, arg := range call.Args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		p.Args = append(p.Args, raw)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(data) > protocol.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	return data, nil
}

// Decode unmarshals a successful outcome's payload into v.
func Decode(out *Outcome, v any) error {
	if !out.OK() {
		return fmt.Errorf("cannot decode outcome tagged %q", out.Kind)
	}
	return json.Unmarshal(out.Payload, v)
}
