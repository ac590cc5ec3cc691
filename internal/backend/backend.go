// Package backend selects the isolation mechanism usable on the current
// host and defines the driver boundary the dispatch core talks to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/portofcontext/isopod/protocol"
)

// ErrUnavailable means no isolation backend is usable on this host.
// Isolation is all-or-nothing: isopod never falls back to running
// untrusted code unsandboxed.
var ErrUnavailable = errors.New("no isolation backend available")

// Kind identifies the isolation mechanism behind a descriptor.
type Kind string

const (
	// KindContainer targets a Docker-compatible daemon (Docker or Podman).
	KindContainer Kind = "container"
)

// Descriptor identifies the selected backend and its connection parameters.
// Read-only after Select returns.
type Descriptor struct {
	Kind Kind
	Host string // daemon socket, empty = client default resolution

	// HardwareVirt reports whether /dev/kvm is accessible. Informational:
	// a KVM-capable host can run VM-isolated runtimes (e.g. Kata) behind
	// the same daemon socket.
	HardwareVirt bool
}

// Probe holds the host facts Select consults. Zero value probes the real
// host; tests override fields.
type Probe struct {
	GOOS       string
	DockerHost string            // from DOCKER_HOST
	PathExists func(string) bool // defaults to os.Stat
}

func (p *Probe) fill() {
	if p.GOOS == "" {
		p.GOOS = runtime.GOOS
	}
	if p.DockerHost == "" {
		p.DockerHost = os.Getenv("DOCKER_HOST")
	}
	if p.PathExists == nil {
		p.PathExists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}
}

// Selector performs the one-time backend capability probe. The result is
// computed lazily on first Select and never changes afterward.
type Selector struct {
	probe Probe

	once sync.Once
	desc *Descriptor
	err  error
}

// NewSelector returns a selector using the given probe. Pass a zero Probe
// for real host detection.
func NewSelector(probe Probe) *Selector {
	return &Selector{probe: probe}
}

// Select returns the backend descriptor for this host, or ErrUnavailable.
func (s *Selector) Select() (*Descriptor, error) {
	s.once.Do(func() {
		s.probe.fill()
		s.desc, s.err = detect(&s.probe)
	})
	return s.desc, s.err
}

func detect(p *Probe) (*Descriptor, error) {
	if p.GOOS == "windows" {
		return nil, fmt.Errorf("%w: platform windows is not supported", ErrUnavailable)
	}

	hardwareVirt := p.PathExists("/dev/kvm")

	if p.DockerHost != "" {
		return &Descriptor{Kind: KindContainer, Host: p.DockerHost, HardwareVirt: hardwareVirt}, nil
	}

	for _, sock := range candidateSockets() {
		if p.PathExists(sock) {
			return &Descriptor{Kind: KindContainer, Host: "unix://" + sock, HardwareVirt: hardwareVirt}, nil
		}
	}

	return nil, fmt.Errorf("%w: no container daemon socket found", ErrUnavailable)
}

func candidateSockets() []string {
	socks := []string{"/var/run/docker.sock"}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		socks = append(socks, dir+"/docker.sock", dir+"/podman/podman.sock")
	}
	socks = append(socks, "/run/podman/podman.sock")
	return socks
}

// EnvironmentHandle is a provisioned, reusable environment on the backend.
type EnvironmentHandle struct {
	Key      string // canonical dependency key
	Location string // backend-specific, e.g. volume name
}

// WorkerHandle is one live isolated worker session on the backend.
type WorkerHandle struct {
	ID          string
	EnvKey      string
	ContainerID string
}

// WorkerInfo describes a worker found on the backend during reconciliation.
type WorkerInfo struct {
	ID          string
	ContainerID string
	Running     bool
}

// Driver is the boundary the dispatch core consumes from the isolation
// layer. Implementations live per backend kind; the core never reaches
// past this interface.
type Driver interface {
	// Provision installs the given dependency specifiers into a fresh
	// environment identified by key. Idempotent per key.
	Provision(ctx context.Context, key string, specs []string) (*EnvironmentHandle, error)

	// RemoveEnvironment discards a provisioned environment.
	RemoveEnvironment(ctx context.Context, env *EnvironmentHandle) error

	// SpawnWorker starts a new isolated worker bound to env and waits for
	// it to become responsive.
	SpawnWorker(ctx context.Context, env *EnvironmentHandle) (*WorkerHandle, error)

	// SendCall delivers one request to a worker and returns its response.
	// The context deadline bounds the round trip.
	SendCall(ctx context.Context, w *WorkerHandle, req protocol.Request) (*protocol.Response, error)

	// ProbeLiveness cheaply checks that a worker still answers.
	ProbeLiveness(ctx context.Context, w *WorkerHandle) bool

	// Terminate stops a worker. Best effort; must not block indefinitely.
	Terminate(ctx context.Context, w *WorkerHandle) error

	// ListWorkers enumerates workers the backend still knows about,
	// for startup reconciliation.
	ListWorkers(ctx context.Context) ([]WorkerInfo, error)

	// Ping verifies the backend itself is reachable.
	Ping(ctx context.Context) error

	Close() error
}
