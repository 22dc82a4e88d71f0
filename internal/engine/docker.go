package engine

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// stopTimeoutSeconds is how long a container gets to exit on SIGTERM before
// the engine kills it.
const stopTimeoutSeconds = 10

// DockerEngine implements ContainerEngine against a local Docker daemon.
type DockerEngine struct {
	cli      *client.Client
	bindAddr string
	l        *zap.SugaredLogger
}

var _ ContainerEngine = (*DockerEngine)(nil)

// NewDockerEngine connects to the Docker daemon and verifies it is reachable.
// host overrides the environment default; bindAddr is the host address
// challenge ports are published on (loopback for a local lab).
func NewDockerEngine(ctx context.Context, host, bindAddr string, logger *zap.SugaredLogger) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	logger.Infof("Docker engine connected (publishing on %s)", bindAddr)
	return &DockerEngine{cli: cli, bindAddr: bindAddr, l: logger}, nil
}

func (e *DockerEngine) CreateAndStart(ctx context.Context, spec CreateSpec) (*Created, error) {
	e.pullImage(ctx, spec.Image)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort(portProto(p))
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		exposed[port] = struct{}{}
		// Empty HostPort lets the engine allocate an ephemeral port.
		bindings[port] = []nat.PortBinding{{HostIP: e.bindAddr, HostPort: ""}}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	memory, err := parseMemory(spec.Memory)
	if err != nil {
		e.l.Warnf("Invalid memory limit %q, using 256m: %v", spec.Memory, err)
		memory = 256 * 1024 * 1024
	}
	pids := spec.PidsLimit
	if pids <= 0 {
		pids = spec.Profile.PidsLimit
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		User:         spec.Profile.User,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings:   bindings,
		CapDrop:        strslice.StrSlice(spec.Profile.CapDrop),
		CapAdd:         strslice.StrSlice(spec.Profile.CapAdd),
		ReadonlyRootfs: spec.Profile.ReadOnlyRootfs,
		SecurityOpt:    spec.Profile.SecurityOpts,
		Tmpfs:          spec.Profile.Tmpfs,
		NetworkMode:    "bridge",
		IpcMode:        container.IPCModeNone,
		Resources: container.Resources{
			Memory:    memory,
			NanoCPUs:  parseCPUs(spec.CPUs),
			PidsLimit: &pids,
		},
	}

	created, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("container create failed: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Creation succeeded but start did not; remove the husk.
		_ = e.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start failed: %w", err)
	}

	ports, err := e.publishedPorts(ctx, created.ID)
	if err != nil {
		e.l.Warnf("Failed to read published ports for %s: %v", created.ID, err)
		ports = map[string]string{}
	}

	return &Created{ID: created.ID, Ports: ports}, nil
}

func (e *DockerEngine) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	return e.mapNotFound(err)
}

func (e *DockerEngine) Remove(ctx context.Context, containerID string) error {
	err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	return e.mapNotFound(err)
}

func (e *DockerEngine) Restart(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	err := e.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout})
	return e.mapNotFound(err)
}

// InspectHealth maps the engine's view of a container onto HealthState.
// A container without a configured health check counts as healthy while it
// runs; a stopped container is unhealthy.
func (e *DockerEngine) InspectHealth(ctx context.Context, containerID string) (HealthState, error) {
	info, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return HealthUnknown, ErrNotFound
		}
		return HealthUnknown, err
	}
	state := info.State
	if state == nil {
		return HealthUnknown, nil
	}
	if !state.Running {
		return HealthUnhealthy, nil
	}
	if state.Health != nil {
		switch strings.ToLower(state.Health.Status) {
		case "healthy":
			return HealthHealthy, nil
		case "unhealthy":
			return HealthUnhealthy, nil
		case "starting":
			return HealthStarting, nil
		}
	}
	return HealthHealthy, nil
}

func (e *DockerEngine) ListLabeled(ctx context.Context, labelKey string) ([]string, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// pullImage best-effort pulls the image; a pull failure is only fatal later
// if the image is not available locally either.
func (e *DockerEngine) pullImage(ctx context.Context, ref string) {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		e.l.Debugf("Image pull for %s failed, relying on local image: %v", ref, err)
		return
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
}

func (e *DockerEngine) publishedPorts(ctx context.Context, containerID string) (map[string]string, error) {
	info, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	ports := make(map[string]string)
	if info.NetworkSettings == nil {
		return ports, nil
	}
	for port, hostBindings := range info.NetworkSettings.Ports {
		if len(hostBindings) == 0 {
			continue
		}
		ports[string(port)] = hostBindings[0].HostIP + ":" + hostBindings[0].HostPort
	}
	return ports, nil
}

func (e *DockerEngine) mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

// portProto normalizes "80" to "80/tcp" for nat.NewPort.
func portProto(p string) (string, string) {
	proto, port := "tcp", p
	if i := strings.IndexByte(p, '/'); i >= 0 {
		port, proto = p[:i], p[i+1:]
	}
	return proto, port
}

// parseMemory converts limits like "256m" or "1g" to bytes. An empty limit
// falls back to 256 MiB.
func parseMemory(s string) (int64, error) {
	if s == "" {
		return 256 * 1024 * 1024, nil
	}
	return units.RAMInBytes(s)
}

// parseCPUs converts a CPU share like "0.5" to nano CPUs.
func parseCPUs(s string) int64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		zap.S().Warnf("Invalid CPU limit %q, using 0.5", s)
		return 500_000_000
	}
	return int64(f * 1_000_000_000)
}
