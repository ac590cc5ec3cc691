// Package envcache maps canonical dependency keys to provisioned, reusable
// environments. Provisioning happens at most once per key; concurrent
// resolvers for an unseen key share the single in-flight attempt.
package envcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/internal/metrics"
	"github.com/portofcontext/isopod/internal/store"
)

// ErrProvisioning wraps dependency installation failures. The failed key
// is not cached, so a later resolve retries.
var ErrProvisioning = errors.New("environment provisioning failed")

// Environment is a provisioned runtime satisfying one DependencyKey.
type Environment struct {
	Key       DependencyKey
	Specs     []string
	Handle    *backend.EnvironmentHandle
	CreatedAt time.Time
}

// Provisioner is the backend subset the cache needs.
type Provisioner interface {
	Provision(ctx context.Context, key string, specs []string) (*backend.EnvironmentHandle, error)
	RemoveEnvironment(ctx context.Context, env *backend.EnvironmentHandle) error
}

// EnvironmentStore persists environment records across restarts.
type EnvironmentStore interface {
	UpsertEnvironment(env *store.Environment) error
	DeleteEnvironment(key string) error
	ListReadyEnvironments() ([]*store.Environment, error)
	TouchEnvironment(key string) error
}

type Cache struct {
	driver  Provisioner
	store   EnvironmentStore // optional
	metrics *metrics.Metrics
	logger  *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	ready map[DependencyKey]*Environment
}

func New(driver Provisioner, st EnvironmentStore, mx *metrics.Metrics, logger *slog.Logger) *Cache {
	return &Cache{
		driver:  driver,
		store:   st,
		metrics: mx,
		logger:  logger,
		ready:   make(map[DependencyKey]*Environment),
	}
}

// WarmStart loads previously provisioned environments from the store so a
// restarted host skips re-provisioning for known keys.
func (c *Cache) WarmStart() error {
	if c.store == nil {
		return nil
	}
	envs, err := c.store.ListReadyEnvironments()
	if err != nil {
		return fmt.Errorf("listing cached environments: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range envs {
		key := DependencyKey(rec.Key)
		c.ready[key] = &Environment{
			Key:       key,
			Specs:     splitSpecs(rec.Specs),
			Handle:    &backend.EnvironmentHandle{Key: rec.Key, Location: rec.Location},
			CreatedAt: rec.CreatedAt,
		}
	}
	if len(envs) > 0 {
		c.logger.Info("environment cache warm-started", "count", len(envs))
	}
	return nil
}

// Resolve returns the ready environment for the given dependency list,
// provisioning it first if needed. A ready key returns without I/O. The
// caller's context bounds only its own wait: cancellation releases the
// caller while the in-flight provisioning continues for other waiters.
func (c *Cache) Resolve(ctx context.Context, specs []string) (*Environment, error) {
	key := NewKey(specs)

	if env := c.lookup(key); env != nil {
		c.touch(key)
		return env, nil
	}

	ch := c.group.DoChan(string(key), func() (any, error) {
		return c.provision(key, specs)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Environment), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) lookup(key DependencyKey) *Environment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready[key]
}

// provision runs detached from any single caller: provisioning is bounded
// by the callers' overall timeouts, not by this layer.
func (c *Cache) provision(key DependencyKey, specs []string) (*Environment, error) {
	// A racing resolver may have finished while we queued.
	if env := c.lookup(key); env != nil {
		return env, nil
	}

	canonical := Canonicalize(specs)
	c.logger.Info("provisioning environment", "key", key.Short(), "specs", len(canonical))

	start := time.Now()
	handle, err := c.driver.Provision(context.Background(), string(key), canonical)
	if err != nil {
		if c.store != nil {
			if derr := c.store.DeleteEnvironment(string(key)); derr != nil {
				c.logger.Warn("delete environment record", "key", key.Short(), "error", derr)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrProvisioning, err)
	}
	c.metrics.ObserveProvision(time.Since(start))

	env := &Environment{
		Key:       key,
		Specs:     canonical,
		Handle:    handle,
		CreatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.ready[key] = env
	c.mu.Unlock()

	if c.store != nil {
		rec := &store.Environment{
			Key:       string(key),
			Specs:     strings.Join(canonical, ","),
			Location:  handle.Location,
			Status:    store.EnvReady,
			CreatedAt: env.CreatedAt,
			LastUsed:  env.CreatedAt,
		}
		if err := c.store.UpsertEnvironment(rec); err != nil {
			c.logger.Warn("persist environment", "key", key.Short(), "error", err)
		}
	}

	return env, nil
}

func (c *Cache) touch(key DependencyKey) {
	if c.store == nil {
		return
	}
	if err := c.store.TouchEnvironment(string(key)); err != nil {
		c.logger.Warn("touch environment", "key", key.Short(), "error", err)
	}
}

// Invalidate discards a cached environment the backend reported corrupt or
// missing. The next resolve for the key re-provisions.
func (c *Cache) Invalidate(ctx context.Context, key DependencyKey) {
	c.mu.Lock()
	env := c.ready[key]
	delete(c.ready, key)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteEnvironment(string(key)); err != nil {
			c.logger.Warn("delete environment record", "key", key.Short(), "error", err)
		}
	}
	if env != nil {
		if err := c.driver.RemoveEnvironment(ctx, env.Handle); err != nil {
			c.logger.Warn("remove environment", "key", key.Short(), "error", err)
		}
	}
}

// Keys returns the currently cached dependency keys.
func (c *Cache) Keys() []DependencyKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]DependencyKey, 0, len(c.ready))
	for k := range c.ready {
		keys = append(keys, k)
	}
	return keys
}

func splitSpecs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
