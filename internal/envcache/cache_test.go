package envcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/internal/metrics"
	"github.com/portofcontext/isopod/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvisioner counts provision calls and optionally blocks or fails.
type fakeProvisioner struct {
	mu        sync.Mutex
	calls     int32
	fail      error
	failOnce  bool
	block     chan struct{} // if set, provision blocks until closed
	removed   []string
}

func (f *fakeProvisioner) Provision(ctx context.Context, key string, specs []string) (*backend.EnvironmentHandle, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	fail := f.fail
	if f.failOnce {
		f.fail = nil
	}
	f.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return &backend.EnvironmentHandle{Key: key, Location: "vol-" + key[:8]}, nil
}

func (f *fakeProvisioner) RemoveEnvironment(ctx context.Context, env *backend.EnvironmentHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, env.Key)
	return nil
}

func TestNewKeySetEquality(t *testing.T) {
	k1 := NewKey([]string{"pkg-b", "pkg-a", "pkg-a"})
	k2 := NewKey([]string{"pkg-a", "pkg-b"})
	k3 := NewKey([]string{" pkg-a ", "pkg-b", ""})

	assert.Equal(t, k1, k2)
	assert.Equal(t, k1, k3)
}

func TestNewKeyVersionPinChangesKey(t *testing.T) {
	k1 := NewKey([]string{"pkg-a==1.0"})
	k2 := NewKey([]string{"pkg-a==1.1"})
	assert.NotEqual(t, k1, k2)
}

func TestNewKeyEmptyList(t *testing.T) {
	assert.Equal(t, NewKey(nil), NewKey([]string{}))
	assert.Equal(t, NewKey(nil), NewKey([]string{"", "  "}))
	assert.NotEqual(t, NewKey(nil), NewKey([]string{"pkg-a"}))
}

func TestResolveProvisionsOnce(t *testing.T) {
	fp := &fakeProvisioner{}
	c := New(fp, nil, nil, testLogger())

	env1, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)

	env2, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)

	assert.Same(t, env1, env2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fp.calls), "cache hit must not re-provision")
}

func TestResolveConcurrentSingleProvision(t *testing.T) {
	fp := &fakeProvisioner{block: make(chan struct{})}
	c := New(fp, nil, nil, testLogger())

	const callers = 16
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Resolve(context.Background(), []string{"pkg-b", "pkg-a"})
			results <- err
		}()
	}

	// Let all callers queue on the in-flight provision, then release it.
	time.Sleep(50 * time.Millisecond)
	close(fp.block)

	for i := 0; i < callers; i++ {
		assert.NoError(t, <-results)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&fp.calls), "concurrent resolvers must share one provisioning")
}

func TestResolveFailureSharedThenRetried(t *testing.T) {
	fp := &fakeProvisioner{fail: fmt.Errorf("pip exited 1"), failOnce: true}
	c := New(fp, nil, nil, testLogger())

	_, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioning)

	// Failed entry is not cached; this retries and succeeds.
	env, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)
	assert.NotNil(t, env)
	assert.EqualValues(t, 2, atomic.LoadInt32(&fp.calls))
}

func TestResolveCancelledCallerReleased(t *testing.T) {
	fp := &fakeProvisioner{block: make(chan struct{})}
	c := New(fp, nil, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Resolve(ctx, []string{"pkg-a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The in-flight provisioning keeps going; a later caller gets it.
	close(fp.block)
	env, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)
	assert.NotNil(t, env)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fp.calls))
}

func TestInvalidateForcesReprovision(t *testing.T) {
	fp := &fakeProvisioner{}
	c := New(fp, nil, nil, testLogger())

	env, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)

	c.Invalidate(context.Background(), env.Key)
	assert.Contains(t, fp.removed, string(env.Key))

	_, err = c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&fp.calls))
}

func TestResolveDistinctKeysIndependent(t *testing.T) {
	fp := &fakeProvisioner{}
	c := New(fp, nil, nil, testLogger())

	envA, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)
	envB, err := c.Resolve(context.Background(), []string{"pkg-b"})
	require.NoError(t, err)

	assert.NotEqual(t, envA.Key, envB.Key)
	assert.Len(t, c.Keys(), 2)
}

func TestResolveObservesProvisionDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	fp := &fakeProvisioner{}
	c := New(fp, nil, metrics.New(reg), testLogger())

	_, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)

	// A cache hit must not observe again.
	_, err = c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), histogramSampleCount(t, reg, "isopod_env_provision_duration_seconds"))
}

func histogramSampleCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			require.NotEmpty(t, mf.GetMetric())
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

// failingStore errors on deletes to exercise the warn paths.
type failingStore struct{}

func (failingStore) UpsertEnvironment(*store.Environment) error           { return nil }
func (failingStore) DeleteEnvironment(string) error                       { return errors.New("disk full") }
func (failingStore) ListReadyEnvironments() ([]*store.Environment, error) { return nil, nil }
func (failingStore) TouchEnvironment(string) error                        { return nil }

func TestInvalidateWarnsOnStoreDeleteFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	fp := &fakeProvisioner{}
	c := New(fp, failingStore{}, nil, logger)

	env, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.NoError(t, err)

	c.Invalidate(context.Background(), env.Key)

	assert.Contains(t, buf.String(), "delete environment record")
	assert.Contains(t, buf.String(), "disk full")
}

func TestProvisionFailureWarnsOnStoreDeleteFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	fp := &fakeProvisioner{fail: errors.New("no such version")}
	c := New(fp, failingStore{}, nil, logger)

	_, err := c.Resolve(context.Background(), []string{"pkg-a"})
	require.ErrorIs(t, err, ErrProvisioning)

	assert.Contains(t, buf.String(), "delete environment record")
}
