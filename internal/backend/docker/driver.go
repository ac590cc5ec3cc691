// Package docker implements the backend driver on a Docker-compatible
// daemon (Docker or Podman). Environments are named volumes populated by
// an install container; workers are long-lived containers running the
// isopod-worker binary.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/portofcontext/isopod/config"
	"github.com/portofcontext/isopod/internal/backend"
	"github.com/portofcontext/isopod/protocol"
)

const labelPrefix = "isopod."

// workerBinary is the entrypoint baked into the worker image.
const workerBinary = "/usr/local/bin/isopod-worker"

type Driver struct {
	docker *client.Client
	cfg    *config.Config
	logger *slog.Logger
}

func New(desc *backend.Descriptor, cfg *config.Config, logger *slog.Logger) (*Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if desc != nil && desc.Host != "" {
		opts = append(opts, client.WithHost(desc.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Driver{docker: cli, cfg: cfg, logger: logger}, nil
}

func (d *Driver) Close() error {
	return d.docker.Close()
}

// Ping verifies the daemon is reachable.
func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.docker.Ping(ctx)
	return err
}

// Provision creates the environment volume for key and runs the install
// command inside a throwaway container to populate it. The install
// container gets network access; workers never do.
func (d *Driver) Provision(ctx context.Context, key string, specs []string) (*backend.EnvironmentHandle, error) {
	volName := envVolumeName(key)

	if _, err := d.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name: volName,
		Labels: map[string]string{
			labelPrefix + "env_key": key,
			labelPrefix + "managed": "true",
		},
	}); err != nil {
		return nil, fmt.Errorf("environment volume create: %w", err)
	}

	handle := &backend.EnvironmentHandle{Key: key, Location: volName}

	if len(specs) == 0 {
		return handle, nil
	}

	cmd := append(append([]string{}, d.cfg.InstallCommand...), specs...)
	resp, err := d.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      d.cfg.WorkerImage,
			Entrypoint: []string{cmd[0]},
			Cmd:        cmd[1:],
			Labels: map[string]string{
				labelPrefix + "managed": "true",
				labelPrefix + "install": key,
			},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: volName,
				Target: protocol.EnvMountPath,
			}},
		},
		nil, nil, "isopod-install-"+key[:12])
	if err != nil {
		d.docker.VolumeRemove(ctx, volName, true)
		return nil, fmt.Errorf("install container create: %w", err)
	}
	defer d.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})

	if err := d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.docker.VolumeRemove(ctx, volName, true)
		return nil, fmt.Errorf("install container start: %w", err)
	}

	statusCh, errCh := d.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		d.docker.VolumeRemove(ctx, volName, true)
		return nil, fmt.Errorf("install container wait: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			logs := d.containerLogs(ctx, resp.ID)
			d.docker.VolumeRemove(ctx, volName, true)
			return nil, fmt.Errorf("dependency install exited %d: %s", status.StatusCode, logs)
		}
	case <-ctx.Done():
		d.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		d.docker.VolumeRemove(context.WithoutCancel(ctx), volName, true)
		return nil, ctx.Err()
	}

	d.logger.Info("environment provisioned", "key", key[:12], "specs", len(specs))
	return handle, nil
}

// RemoveEnvironment discards the environment volume.
func (d *Driver) RemoveEnvironment(ctx context.Context, env *backend.EnvironmentHandle) error {
	if err := d.docker.VolumeRemove(ctx, env.Location, true); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("environment volume remove: %w", err)
	}
	return nil
}

// SpawnWorker starts a worker container bound to env and blocks until the
// worker answers a ping, up to the configured spawn wait budget.
func (d *Driver) SpawnWorker(ctx context.Context, env *backend.EnvironmentHandle) (*backend.WorkerHandle, error) {
	workerID := uuid.New().String()[:12]

	resources := container.Resources{
		NanoCPUs:  int64(d.cfg.Limits.CPULimit * 1e9),
		Memory:    int64(d.cfg.Limits.MemLimitMB) * units.MiB,
		PidsLimit: int64Ptr(int64(d.cfg.Limits.PidsLimit)),
	}

	hostCfg := &container.HostConfig{
		Resources:      resources,
		AutoRemove:     false,
		ReadonlyRootfs: d.cfg.Limits.ReadonlyRootfs,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeVolume,
				Source:   env.Location,
				Target:   protocol.EnvMountPath,
				ReadOnly: true,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 256 * units.MiB,
				},
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/run",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 16 * units.MiB,
				},
			},
		},
	}

	if d.cfg.Limits.NetworkMode == "none" {
		hostCfg.NetworkMode = "none"
	}

	containerCfg := &container.Config{
		Image: d.cfg.WorkerImage,
		Labels: map[string]string{
			labelPrefix + "worker_id": workerID,
			labelPrefix + "env_key":   env.Key,
			labelPrefix + "managed":   "true",
		},
		Env: []string{"ISOPOD_GOPATH=" + protocol.EnvMountPath},
		Tty: false,
		Cmd: nil, // entrypoint is the worker binary in server mode
	}

	resp, err := d.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, protocol.WorkerNamePrefix+workerID)
	if err != nil {
		return nil, fmt.Errorf("worker create: %w", err)
	}

	w := &backend.WorkerHandle{ID: workerID, EnvKey: env.Key, ContainerID: resp.ID}

	if err := d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("worker start: %w", err)
	}

	if err := d.waitReady(ctx, w); err != nil {
		d.Terminate(context.WithoutCancel(ctx), w)
		return nil, fmt.Errorf("worker not ready: %w", err)
	}

	return w, nil
}

// waitReady polls the worker socket until it answers a ping.
func (d *Driver) waitReady(ctx context.Context, w *backend.WorkerHandle) error {
	deadline := time.Now().Add(time.Duration(d.cfg.SpawnWaitMs) * time.Millisecond)
	for {
		if d.ProbeLiveness(ctx, w) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no ping response after %dms", d.cfg.SpawnWaitMs)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// SendCall delivers a request to the worker via a one-shot exec of the
// worker binary in client mode, which forwards over the in-container
// unix socket. Docker's exec stream is demultiplexed to recover raw
// stdout carrying the JSON response line.
func (d *Driver) SendCall(ctx context.Context, w *backend.WorkerHandle, req protocol.Request) (*protocol.Response, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{workerBinary, "--client", string(reqJSON)},
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := d.docker.ContainerExecCreate(ctx, w.ContainerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := d.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("exec read: %w", err)
	}

	line := findJSONLine(stdoutBuf.Bytes())
	if line == nil {
		return nil, fmt.Errorf("no JSON response from worker, stderr: %s", stderrBuf.String())
	}

	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &resp, nil
}

// ProbeLiveness checks that the worker still answers a ping.
func (d *Driver) ProbeLiveness(ctx context.Context, w *backend.WorkerHandle) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := d.SendCall(probeCtx, w, protocol.Request{
		ID:   uuid.New().String()[:8],
		Type: protocol.RequestPing,
	})
	return err == nil && resp.Type == protocol.ResponsePong
}

// Terminate force-removes the worker container.
func (d *Driver) Terminate(ctx context.Context, w *backend.WorkerHandle) error {
	err := d.docker.ContainerRemove(ctx, w.ContainerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("worker remove: %w", err)
	}
	return nil
}

// ListWorkers returns all isopod worker containers the daemon knows about.
func (d *Driver) ListWorkers(ctx context.Context) ([]backend.WorkerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := d.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []backend.WorkerInfo
	for _, ctr := range containers {
		workerID := ctr.Labels[labelPrefix+"worker_id"]
		if workerID == "" {
			continue
		}
		result = append(result, backend.WorkerInfo{
			ID:          workerID,
			ContainerID: ctr.ID,
			Running:     ctr.State == "running",
		})
	}
	return result, nil
}

func (d *Driver) containerLogs(ctx context.Context, containerID string) string {
	rc, err := d.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return ""
	}
	defer rc.Close()

	var buf bytes.Buffer
	stdcopy.StdCopy(&buf, &buf, io.LimitReader(rc, 64*1024))
	return buf.String()
}

func envVolumeName(key string) string {
	if len(key) > 12 {
		key = key[:12]
	}
	return protocol.EnvVolumePrefix + key
}

// findJSONLine extracts the first line that starts with '{' from exec output.
func findJSONLine(data []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, protocol.MaxPayloadBytes+4096), protocol.MaxPayloadBytes+4096)
	for scanner.Scan() {
		line := scanner.Bytes()
		if idx := bytes.IndexByte(line, '{'); idx >= 0 {
			return line[idx:]
		}
	}
	// Fallback: first '{' in raw data.
	if idx := bytes.IndexByte(data, '{'); idx >= 0 {
		end := bytes.IndexByte(data[idx:], '\n')
		if end < 0 {
			return data[idx:]
		}
		return data[idx : idx+end]
	}
	return nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
