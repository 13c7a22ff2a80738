package runtime

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	cgroupsstats "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	typeurl "github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/metrics"
	"github.com/codalab/worker-agent/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace runs are created in.
	DefaultNamespace = "codalab-worker"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// cfsPeriod is the CFS bandwidth period applied alongside cpuset pinning,
	// so a run can't exceed its allotted core count even briefly.
	cfsPeriod = uint64(100000)
)

// ContainerSpec is the runtime-level description of a container for one run,
// translated from a bundle assignment plus its Resource Pool allocation.
type ContainerSpec struct {
	ID         string
	Image      string
	Command    []string
	Env        []string
	WorkingDir string

	// CPUSet is the host core indices pinned via the cpuset cgroup
	// controller, as handed out by the resource pool allocator.
	CPUSet []int

	// GPUSet is the host GPU device indices to expose via device nodes.
	GPUSet []int

	// MemoryLimitBytes bounds the container's memory cgroup. Zero means no
	// limit.
	MemoryLimitBytes int64

	// Runtime names an OCI runtime hook (e.g. an nvidia runtime); empty
	// selects the default CPU-only runtime.
	Runtime string

	// Mounts are applied verbatim: dependency mounts, resolv.conf, etc.
	Mounts []specs.Mount

	// LogPath is where combined stdout/stderr is written. GetContainerLogs
	// reads back from this path, which makes log tailing restartable from a
	// byte offset across worker restarts.
	LogPath string
}

// ContainerdRuntime implements the container runtime adapter using containerd.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls a container image from a registry.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerPullDuration)

	_, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	log.WithComponent("runtime").Info().Str("image", imageRef).Msg("image pulled")
	return nil
}

// formatCPUSet renders a set of core indices as a cpuset.cpus list string,
// e.g. []int{0,1,3} -> "0,1,3".
func formatCPUSet(cores []int) string {
	parts := make([]string, len(cores))
	for i, c := range cores {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// CreateContainer creates a container from spec, applying cpuset pinning,
// memory limits, GPU device injection, and any configured mounts.
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerCreateDuration)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}

	if len(spec.CPUSet) > 0 {
		cpuset := formatCPUSet(spec.CPUSet)
		quota := int64(len(spec.CPUSet)) * int64(cfsPeriod)
		opts = append(opts, oci.WithCPUs(cpuset), oci.WithCPUCFS(quota, cfsPeriod))
	}

	if spec.MemoryLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimitBytes)))
	}

	for _, idx := range spec.GPUSet {
		devPath := fmt.Sprintf("/dev/nvidia%d", idx)
		opts = append(opts, oci.WithLinuxDevice(devPath, "rwm"))
	}

	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	containerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	}
	if spec.Runtime != "" {
		containerOpts = append(containerOpts, containerd.WithRuntime(spec.Runtime, nil))
	}

	ctrdContainer, err := r.client.NewContainer(ctx, spec.ID, containerOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

// StartContainer starts a container's task, writing combined stdout/stderr
// to logPath so logs survive worker restarts.
func (r *ContainerdRuntime) StartContainer(ctx context.Context, containerID, logPath string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStartDuration)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	var ioCreator cio.Creator
	if logPath != "" {
		ioCreator = cio.LogFile(logPath)
	} else {
		ioCreator = cio.NullIO
	}

	task, err := container.NewTask(ctx, ioCreator)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopContainer stops a running container, SIGTERM first, SIGKILL on timeout.
func (r *ContainerdRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStopDuration)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// no task means the container is not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// DeleteContainer removes a container and its snapshot.
func (r *ContainerdRuntime) DeleteContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		// container might not exist
		return nil
	}

	if err := r.StopContainer(ctx, containerID, 10*time.Second); err != nil {
		log.WithComponent("runtime").Warn().Err(err).Str("container_id", containerID).
			Msg("failed to stop container before delete, continuing")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// GetContainerStatus returns the runtime-observed state of a container and,
// for an exited container, its exit code.
func (r *ContainerdRuntime) GetContainerStatus(ctx context.Context, containerID string) (types.ContainerState, *int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return types.ContainerStateMissing, nil, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.ContainerStateMissing, nil, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.ContainerStateMissing, nil, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return types.ContainerStateRunning, nil, nil
	case containerd.Stopped:
		code := int(status.ExitStatus)
		return types.ContainerStateExited, &code, nil
	default:
		return types.ContainerStateRunning, nil, nil
	}
}

// GetContainerStats returns the peak memory usage, in bytes, cgroups has
// recorded for the container's task. A container or task that no longer
// exists, or a runtime that doesn't expose cgroups v1 metrics, reports 0
// rather than failing the caller's sampling loop.
func (r *ContainerdRuntime) GetContainerStats(ctx context.Context, containerID string) (int64, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return 0, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, nil
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get task metrics: %w", err)
	}

	v, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to unmarshal task metrics: %w", err)
	}

	stats, ok := v.(*cgroupsstats.Metrics)
	if !ok || stats.Memory == nil || stats.Memory.Usage == nil {
		return 0, nil
	}
	return int64(stats.Memory.Usage.Max), nil
}

// GetContainerLogs opens the container's log file and seeks to offset,
// making log tailing restartable across worker crashes.
func (r *ContainerdRuntime) GetContainerLogs(logPath string, offset int64) (*os.File, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek log file %s to %d: %w", logPath, offset, err)
		}
	}
	return f, nil
}

// IsRunning checks if a container is currently running.
func (r *ContainerdRuntime) IsRunning(ctx context.Context, containerID string) bool {
	state, _, err := r.GetContainerStatus(ctx, containerID)
	if err != nil {
		return false
	}
	return state == types.ContainerStateRunning
}

// ListContainers returns all container IDs in the runtime namespace.
func (r *ContainerdRuntime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// ImageInfo describes one locally-present image for the image cache's
// eviction bookkeeping.
type ImageInfo struct {
	Reference string
	SizeBytes int64
}

// ListImages returns every image present in the runtime's content store,
// with size, for the image cache to reconcile against its own ledger.
func (r *ContainerdRuntime) ListImages(ctx context.Context) ([]ImageInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	images, err := r.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	out := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		size, err := img.Size(ctx)
		if err != nil {
			size = 0
		}
		out = append(out, ImageInfo{Reference: img.Name(), SizeBytes: size})
	}
	return out, nil
}

// RemoveImage deletes an image from the content store, releasing its disk
// usage back to the image cache.
func (r *ContainerdRuntime) RemoveImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if err := r.client.ImageService().Delete(ctx, imageRef); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", imageRef, err)
	}
	return nil
}

// QueryGPUs reports the number of GPU devices visible on the host by
// counting /dev/nvidia<N> device nodes, the common low-dependency approach
// when no vendor SDK is linked in.
func QueryGPUs() (int, error) {
	matches, err := filepath.Glob("/dev/nvidia[0-9]*")
	if err != nil {
		return 0, fmt.Errorf("failed to glob gpu devices: %w", err)
	}
	return len(matches), nil
}

// GetContainerPID returns the pid of a container's running task, used to
// address its network namespace when wiring it onto a worker bridge.
func (r *ContainerdRuntime) GetContainerPID(ctx context.Context, containerID string) (int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get task: %w", err)
	}

	pid := int(task.Pid())
	if pid == 0 {
		return 0, fmt.Errorf("container task has no PID")
	}
	return pid, nil
}

// GetContainerIP returns the IP address of a container's network namespace,
// used to address the container when relaying a netcat control message.
func (r *ContainerdRuntime) GetContainerIP(ctx context.Context, containerID string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get task status: %w", err)
	}
	if status.Status != containerd.Running {
		return "", fmt.Errorf("container is not running")
	}

	pid := task.Pid()
	if pid == 0 {
		return "", fmt.Errorf("container task has no PID")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to get container IP: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "inet ") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				ip, _, err := net.ParseCIDR(parts[1])
				if err != nil {
					return "", fmt.Errorf("failed to parse IP address %s: %w", parts[1], err)
				}
				return ip.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no IP address found for container")
}
