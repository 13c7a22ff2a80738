package run

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/codalab/worker-agent/pkg/bundleservice"
	"github.com/codalab/worker-agent/pkg/resourcepool"
	"github.com/codalab/worker-agent/pkg/runtime"
	"github.com/codalab/worker-agent/pkg/types"
)

// ResourcePool is the subset of *resourcepool.Pool a Run needs. The
// worker's dispatch loop owns TryAllocate/Reattach — a Run is only ever
// handed an allocation already made on its behalf, and releases it on
// reaching a terminal state.
type ResourcePool interface {
	Release(a resourcepool.Allocation)
}

// DependencyCache is the subset of *depcache.Cache a Run needs.
type DependencyCache interface {
	Acquire(ctx context.Context, parentUUID, subpath string) (string, error)
	Release(parentUUID, subpath string)
}

// ImageCache is the subset of *imagecache.Cache a Run needs.
type ImageCache interface {
	EnsurePresent(ctx context.Context, imageRef string) error
	Release(imageRef string)
}

// Runtime is the subset of the container runtime adapter a Run needs.
type Runtime interface {
	CreateContainer(ctx context.Context, spec *runtime.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID, logPath string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	DeleteContainer(ctx context.Context, containerID string) error
	GetContainerStatus(ctx context.Context, containerID string) (types.ContainerState, *int, error)
	GetContainerLogs(logPath string, offset int64) (*os.File, error)
	GetContainerIP(ctx context.Context, containerID string) (string, error)
	GetContainerPID(ctx context.Context, containerID string) (int, error)

	// GetContainerStats returns the container's peak memory usage in
	// bytes observed so far. A container with no queryable stats yet
	// (just launched, or already gone) returns 0 with a nil error.
	GetContainerStats(ctx context.Context, containerID string) (memoryPeakBytes int64, err error)
}

// NetworkManager is the subset of *network.Manager a Run needs.
type NetworkManager interface {
	NetworkFor(networkAllowed bool) string
	AllocateIP(networkName string) string
	AttachContainer(pid int, networkName, containerVethIP string) error
	DetachContainer(pid int) error
}

// Client is the subset of bundleservice.Client a Run needs.
type Client interface {
	UpdateRunMetadata(ctx context.Context, runUUID string, update bundleservice.RunMetadataUpdate) error
	UploadRunOutput(ctx context.Context, runUUID, subpath string, r io.Reader) error
	GetBundleContents(ctx context.Context, parentUUID, subpath string) (io.ReadCloser, types.BundleKind, error)
}

// StateStore is the subset of *state.Store a Run needs to persist its
// own record after every state transition.
type StateStore interface {
	SaveRun(run *types.Run) error
	FinishRun(uuid string) error
}

// DependencyMount describes one staged dependency's final bind mount.
type DependencyMount struct {
	Dependency types.Dependency
	LocalPath  string
}
