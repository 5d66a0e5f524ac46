// Package lifecycle manages the sandbox container: build, start, reuse,
// readiness, and teardown.
//
// The reuse decision on EnsureReady:
//
//   - container absent: build the image and run a new container
//   - container present and rebuild requested: force-remove, build, run
//   - container running, no rebuild: reuse untouched (fast path)
//   - container stopped, no rebuild: start it in place, preserving baked
//     state such as generated host SSH keys
//
// Container state is re-queried at every decision point and never cached: a
// prior crashed run or a manual `docker stop` can change it externally.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/shellbox/shellbox/internal/config"
	"github.com/shellbox/shellbox/internal/imagespec"
)

// ReadySentinel mirrors the image contract: the line the bootstrap emits
// when the sandbox is fully provisioned.
const ReadySentinel = imagespec.ReadySentinel

// ErrReadinessTimeout reports that the poll ceiling was exceeded before the
// sentinel appeared. This is a hard setup failure.
var ErrReadinessTimeout = errors.New("sandbox did not emit readiness sentinel")

// dockerAPI is the slice of the Docker client the manager needs. Narrow on
// purpose: tests exercise the decision algorithm against a fake.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, name string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig,
		networkingCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, name string, opts container.StartOptions) error
	ContainerStop(ctx context.Context, name string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, name string, opts container.RemoveOptions) error
	ContainerLogs(ctx context.Context, name string, opts container.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, name string, opts container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, opts container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyFromContainer(ctx context.Context, name, srcPath string) (io.ReadCloser, container.PathStat, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, opts types.ImageBuildOptions) (types.ImageBuildResponse, error)
}

// PrepareContext stages everything the image build needs into dir (the
// Dockerfile, the entry binary, an optional supplied public key).
type PrepareContext func(dir string) error

// ConnectionInfo describes how to reach the ready sandbox.
type ConnectionInfo struct {
	// Host is the container IP, or "localhost" when only the published
	// port mapping is reachable.
	Host string
	// Port is 22 when dialing the container IP directly, or the published
	// host port when dialing localhost.
	Port int
	// FreshBoot reports whether this EnsureReady started the container
	// (build, rebuild, or start-in-place). The in-container key pair is
	// regenerated on every boot, so the host must re-fetch it after a
	// fresh boot but not on the running-reuse path.
	FreshBoot bool
}

// Manager drives the sandbox container through its lifecycle.
type Manager struct {
	logger  zerolog.Logger
	client  dockerAPI
	cfg     config.Settings
	prepare PrepareContext
}

// New connects to the Docker daemon and verifies it responds, in the same way
// a failed ping fails environment setup before anything is mutated.
func New(ctx context.Context, logger zerolog.Logger, cfg config.Settings, prepare PrepareContext) (*Manager, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(cfg.DockerHost))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	logger.Debug().Msg("docker daemon connected")
	return &Manager{logger: logger, client: cli, cfg: cfg, prepare: prepare}, nil
}

// newWithClient is the constructor used by tests.
func newWithClient(logger zerolog.Logger, client dockerAPI, cfg config.Settings, prepare PrepareContext) *Manager {
	return &Manager{logger: logger, client: client, cfg: cfg, prepare: prepare}
}

type containerState int

const (
	stateAbsent containerState = iota
	stateRunning
	stateStopped
)

// queryState observes the container's current state from the runtime.
func (m *Manager) queryState(ctx context.Context) (containerState, error) {
	inspect, err := m.client.ContainerInspect(ctx, m.cfg.ContainerName)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return stateAbsent, nil
		}
		return stateAbsent, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State != nil && inspect.State.Running {
		return stateRunning, nil
	}
	return stateStopped, nil
}

// RunningSince reports whether the sandbox container is currently running
// and, if so, when it started. An absent container is simply not running.
func (m *Manager) RunningSince(ctx context.Context) (bool, time.Time, error) {
	inspect, err := m.client.ContainerInspect(ctx, m.cfg.ContainerName)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return false, time.Time{}, nil
	}
	started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	if err != nil {
		started = time.Time{}
	}
	return true, started, nil
}

// EnsureReady brings the sandbox container to a running, bootstrap-complete
// state and returns how to reach it.
func (m *Manager) EnsureReady(ctx context.Context, rebuild bool) (ConnectionInfo, error) {
	state, err := m.queryState(ctx)
	if err != nil {
		return ConnectionInfo{}, err
	}

	freshBoot := true
	switch {
	case state == stateAbsent:
		if err := m.buildAndRun(ctx); err != nil {
			return ConnectionInfo{}, err
		}

	case rebuild:
		m.logger.Info().Str("container", m.cfg.ContainerName).Msg("rebuild requested, removing existing container")
		// "Already gone" is not a failure here.
		if err := m.client.ContainerRemove(ctx, m.cfg.ContainerName, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
			m.logger.Warn().Err(err).Msg("remove before rebuild")
		}
		if err := m.buildAndRun(ctx); err != nil {
			return ConnectionInfo{}, err
		}

	case state == stateRunning:
		m.logger.Info().Str("container", m.cfg.ContainerName).Msg("reusing running sandbox")
		freshBoot = false

	case state == stateStopped:
		m.logger.Info().Str("container", m.cfg.ContainerName).Msg("starting stopped sandbox in place")
		if err := m.client.ContainerStart(ctx, m.cfg.ContainerName, container.StartOptions{}); err != nil {
			return ConnectionInfo{}, fmt.Errorf("start container: %w", err)
		}
	}

	since, err := m.bootTime(ctx)
	if err != nil {
		return ConnectionInfo{}, err
	}
	if err := m.waitReady(ctx, since); err != nil {
		return ConnectionInfo{}, err
	}

	info, err := m.connectionInfo(ctx)
	if err != nil {
		return ConnectionInfo{}, err
	}
	info.FreshBoot = freshBoot
	return info, nil
}

// bootTime reports when the current boot started, for scoping log reads.
// Docker keeps a container's log across stop/start, so an unscoped read
// would accept the previous boot's sentinel.
func (m *Manager) bootTime(ctx context.Context) (string, error) {
	inspect, err := m.client.ContainerInspect(ctx, m.cfg.ContainerName)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil {
		return "", nil
	}
	return inspect.State.StartedAt, nil
}

// waitReady polls container logs for the readiness sentinel, one-second
// spacing up to the configured ceiling. Only log lines from the boot at
// `since` count.
func (m *Manager) waitReady(ctx context.Context, since string) error {
	notYet := errors.New("sentinel not observed")

	backoff := retry.WithMaxRetries(uint64(m.cfg.ReadyPollLimit-1), retry.NewConstant(m.cfg.ReadyPollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		seen, err := m.sentinelSeen(ctx, since)
		if err != nil {
			// Log retrieval hiccups are retried, not fatal.
			m.logger.Debug().Err(err).Msg("readiness poll")
			return retry.RetryableError(err)
		}
		if !seen {
			return retry.RetryableError(notYet)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w after %d polls: %v", ErrReadinessTimeout, m.cfg.ReadyPollLimit, err)
	}
	m.logger.Info().Msg("sandbox ready")
	return nil
}

func (m *Manager) sentinelSeen(ctx context.Context, since string) (bool, error) {
	rc, err := m.client.ContainerLogs(ctx, m.cfg.ContainerName, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Since:      since,
		Tail:       "200",
	})
	if err != nil {
		return false, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return false, fmt.Errorf("read container logs: %w", err)
	}
	return containsLine(stripLogHeaders(data), ReadySentinel), nil
}

// connectionInfo resolves the reachable address, preferring the container IP
// and falling back to localhost plus the published port.
func (m *Manager) connectionInfo(ctx context.Context) (ConnectionInfo, error) {
	inspect, err := m.client.ContainerInspect(ctx, m.cfg.ContainerName)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("inspect container: %w", err)
	}

	ip := ""
	if inspect.NetworkSettings != nil {
		ip = inspect.NetworkSettings.IPAddress
		if ip == "" {
			for _, net := range inspect.NetworkSettings.Networks {
				if net.IPAddress != "" {
					ip = net.IPAddress
					break
				}
			}
		}
	}
	if ip == "" {
		return ConnectionInfo{Host: "localhost", Port: m.cfg.SSHHostPort}, nil
	}
	return ConnectionInfo{Host: ip, Port: 22}, nil
}

// Teardown stops and removes the container. Repeated calls are no-ops:
// "not found" at any step is swallowed, since teardown runs on every exit
// path and must never fail the run it is cleaning up after.
func (m *Manager) Teardown(ctx context.Context) error {
	timeout := 10
	if err := m.client.ContainerStop(ctx, m.cfg.ContainerName, container.StopOptions{Timeout: &timeout}); err != nil && !dockerclient.IsErrNotFound(err) {
		m.logger.Warn().Err(err).Msg("stop container during teardown")
	}
	if err := m.client.ContainerRemove(ctx, m.cfg.ContainerName, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		m.logger.Warn().Err(err).Msg("remove container during teardown")
	}
	return nil
}

// buildAndRun builds the image from a fresh build context and starts a new
// container with the SSH port published on localhost.
func (m *Manager) buildAndRun(ctx context.Context) error {
	if err := m.buildImage(ctx); err != nil {
		return err
	}

	memBytes, err := m.cfg.MemoryBytes()
	if err != nil {
		return err
	}
	shmBytes, err := m.cfg.ShmBytes()
	if err != nil {
		return err
	}

	sshPort := nat.Port("22/tcp")
	containerCfg := &container.Config{
		Image:        m.cfg.ImageTag,
		ExposedPorts: nat.PortSet{sshPort: struct{}{}},
		Labels:       map[string]string{"managed-by": "shellbox"},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			sshPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", m.cfg.SSHHostPort)}},
		},
		ShmSize: shmBytes,
		Resources: container.Resources{
			Memory: memBytes,
		},
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, m.cfg.ContainerName)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// buildImage assembles a scratch build context and runs the image build,
// scanning the response stream for build errors.
func (m *Manager) buildImage(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "shellbox-build-*")
	if err != nil {
		return fmt.Errorf("create build context dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := m.prepare(dir); err != nil {
		return fmt.Errorf("prepare build context: %w", err)
	}

	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	m.logger.Info().Str("tag", m.cfg.ImageTag).Msg("building sandbox image")
	resp, err := m.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{m.cfg.ImageTag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if err := drainBuildOutput(resp.Body); err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	return nil
}
