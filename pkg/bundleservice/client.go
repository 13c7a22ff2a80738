package bundleservice

import (
	"context"
	"io"

	"github.com/codalab/worker-agent/pkg/types"
)

// RunMetadataUpdate is the progress payload sent with update_run_metadata.
type RunMetadataUpdate struct {
	State          types.RunState      `json:"state"`
	Usage          types.ResourceUsage `json:"usage"`
	LogOffset      int64               `json:"log_offset"`
	ExitCode       *int                `json:"exit_code,omitempty"`
	FailureMessage string              `json:"failure_message,omitempty"`
}

// Client is the wire contract the worker speaks to the bundle service.
// Every method is safe to retry: the service tolerates replayed check-ins
// and repeated completion notices for the same run.
type Client interface {
	// CheckIn reports this worker's capacity and ready-dependency set, and
	// receives at most one assignment message in response.
	CheckIn(ctx context.Context, payload types.CheckInPayload) (*types.Message, error)

	// Checkout notifies the service this worker is draining.
	Checkout(ctx context.Context) error

	// GetBundleContents streams a dependency's payload; the caller must
	// Close the returned reader. Directory payloads are gzipped tarballs.
	GetBundleContents(ctx context.Context, parentUUID, subpath string) (io.ReadCloser, types.BundleKind, error)

	// UpdateRunMetadata reports a run's current progress.
	UpdateRunMetadata(ctx context.Context, runUUID string, update RunMetadataUpdate) error

	// UploadRunOutput uploads final stdout/stderr/artifact bytes for a run.
	UploadRunOutput(ctx context.Context, runUUID, subpath string, r io.Reader) error

	// OpenReadSocket returns a duplex relay to the client that requested a
	// read/netcat out-of-band operation.
	OpenReadSocket(ctx context.Context, socketID string) (io.ReadWriteCloser, error)

	// GetCode fetches a fresh gzipped tarball of the worker's own code for
	// self-upgrade; the caller must Close the returned reader.
	GetCode(ctx context.Context) (io.ReadCloser, error)
}
