package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/runtime"
)

// Adapter drives environments as Docker containers. The environment ID is
// the container name.
type Adapter struct {
	cli *client.Client
}

func New(host string) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.cli.Close()
}

func (a *Adapter) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pb := range spec.PortBindings {
		port := nat.Port(fmt.Sprintf("%d/tcp", pb.ContainerPort))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(pb.HostPort),
		}}
	}

	env := make([]string, 0, len(spec.Env)+1)
	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)

	labels := map[string]string{
		runtime.LabelManagedBy:   runtime.ManagedByValue,
		runtime.LabelEnvironment: spec.Name,
		runtime.LabelGPUs:        joinIndices(spec.GPUIndices),
	}
	for key, value := range spec.Labels {
		labels[key] = value
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: exposed,
		Labels:       labels,
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUCores * 1e9),
			Memory:   spec.MemoryMB * 1024 * 1024,
		},
	}

	if len(spec.GPUIndices) > 0 {
		deviceIDs := make([]string, len(spec.GPUIndices))
		for i, index := range spec.GPUIndices {
			deviceIDs[i] = strconv.Itoa(index)
		}
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    deviceIDs,
			Capabilities: [][]string{{"gpu"}},
		}}
		config.Env = append(config.Env, "NVIDIA_VISIBLE_DEVICES="+joinIndices(spec.GPUIndices))
	}

	resp, err := a.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", classify("create", err)
	}
	return resp.ID, nil
}

func (a *Adapter) Start(ctx context.Context, handle string) error {
	if err := a.cli.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return classify("start", err)
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := a.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &seconds}); err != nil {
		return classify("stop", err)
	}
	return nil
}

func (a *Adapter) Remove(ctx context.Context, handle string) error {
	if err := a.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		return classify("remove", err)
	}
	return nil
}

func (a *Adapter) Inspect(ctx context.Context, handle string) (runtime.ContainerState, error) {
	inspect, err := a.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return runtime.ContainerState{}, classify("inspect", err)
	}
	return stateFromInspect(inspect), nil
}

// ListAll queries the daemon directly so reconciliation always sees live
// state. Containers created by the ERM carry the managed-by label; the name
// prefix filter additionally catches containers created out-of-band that
// follow the naming convention.
func (a *Adapter) ListAll(ctx context.Context, namePrefix string) ([]runtime.ContainerState, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classify("list", err)
	}

	var states []runtime.ContainerState
	for _, c := range containers {
		name := containerName(c)
		managed := c.Labels[runtime.LabelManagedBy] == runtime.ManagedByValue
		if !managed && (namePrefix == "" || !strings.HasPrefix(name, namePrefix)) {
			continue
		}

		state := runtime.ContainerState{
			Handle: c.ID,
			Name:   name,
			Status: mapStatus(c.State),
			Labels: c.Labels,
		}
		for _, port := range c.Ports {
			if port.PublicPort == 0 {
				continue
			}
			state.PortBindings = append(state.PortBindings, runtime.PortBinding{
				ContainerPort: int(port.PrivatePort),
				HostPort:      int(port.PublicPort),
			})
		}
		sort.Slice(state.PortBindings, func(i, j int) bool {
			return state.PortBindings[i].HostPort < state.PortBindings[j].HostPort
		})
		state.GPUIndices = gpuIndicesFor(ctx, a.cli, c)
		states = append(states, state)
	}
	return states, nil
}

func stateFromInspect(inspect types.ContainerJSON) runtime.ContainerState {
	state := runtime.ContainerState{
		Handle: inspect.ID,
		Name:   strings.TrimPrefix(inspect.Name, "/"),
		Status: runtime.StatusUnknown,
	}
	if inspect.Config != nil {
		state.Labels = inspect.Config.Labels
		state.GPUIndices = parseIndices(envValue(inspect.Config.Env, "NVIDIA_VISIBLE_DEVICES"))
	}
	if inspect.State != nil {
		state.Status = mapStatus(inspect.State.Status)
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !startedAt.IsZero() {
			state.StartedAt = &startedAt
		}
	}
	if inspect.NetworkSettings != nil {
		for port, bindings := range inspect.NetworkSettings.Ports {
			for _, binding := range bindings {
				hostPort, err := strconv.Atoi(binding.HostPort)
				if err != nil || hostPort == 0 {
					continue
				}
				state.PortBindings = append(state.PortBindings, runtime.PortBinding{
					ContainerPort: port.Int(),
					HostPort:      hostPort,
				})
			}
		}
		sort.Slice(state.PortBindings, func(i, j int) bool {
			return state.PortBindings[i].HostPort < state.PortBindings[j].HostPort
		})
	}
	return state
}

// gpuIndicesFor reads GPU bindings from the creation-time label, falling
// back to an inspect of the container's environment for containers the ERM
// did not create.
func gpuIndicesFor(ctx context.Context, cli *client.Client, c types.Container) []int {
	if label, ok := c.Labels[runtime.LabelGPUs]; ok {
		return parseIndices(label)
	}
	inspect, err := cli.ContainerInspect(ctx, c.ID)
	if err != nil || inspect.Config == nil {
		return nil
	}
	return parseIndices(envValue(inspect.Config.Env, "NVIDIA_VISIBLE_DEVICES"))
}

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return c.ID
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

func mapStatus(state string) runtime.ContainerStatus {
	switch strings.ToLower(state) {
	case "running":
		return runtime.StatusRunning
	case "created":
		return runtime.StatusCreated
	case "exited", "dead", "removing":
		return runtime.StatusExited
	default:
		return runtime.StatusUnknown
	}
}

func joinIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, index := range indices {
		parts[i] = strconv.Itoa(index)
	}
	return strings.Join(parts, ",")
}

func parseIndices(value string) []int {
	value = strings.TrimSpace(value)
	if value == "" || value == "all" || value == "none" || value == "void" {
		return nil
	}
	var indices []int
	for _, part := range strings.Split(value, ",") {
		index, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		indices = append(indices, index)
	}
	return indices
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimPrefix(entry, prefix)
		}
	}
	return ""
}

func classify(op string, err error) error {
	switch {
	case client.IsErrNotFound(err) || errdefs.IsNotFound(err):
		return runtime.NewError(op, runtime.KindNotFound, err)
	case client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err) || errdefs.IsDeadline(err):
		return runtime.NewError(op, runtime.KindUnavailable, err)
	default:
		return runtime.NewError(op, runtime.KindRejected, err)
	}
}
