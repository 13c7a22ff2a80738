package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/codalab/worker-agent/pkg/bundleservice"
	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/metrics"
	"github.com/codalab/worker-agent/pkg/resourcepool"
	"github.com/codalab/worker-agent/pkg/runtime"
	"github.com/codalab/worker-agent/pkg/types"
)

// Deps bundles every collaborator a Run drives against.
type Deps struct {
	Pool       ResourcePool
	DepCache   DependencyCache
	ImageCache ImageCache
	Runtime    Runtime
	Network    NetworkManager
	Client     Client
	State      StateStore

	// LogDir roots each run's restartable combined stdout/stderr file.
	LogDir string

	// KillGracePeriod bounds how long a graceful stop is given before
	// SIGKILL.
	KillGracePeriod time.Duration
}

// Run drives one bundle assignment through its state machine. Safe for
// concurrent use of RequestKill and Snapshot while Drive runs.
type Run struct {
	deps Deps

	mu             sync.Mutex
	record         types.Run
	stagedMounts   []specs.Mount
	acquiredDeps   []types.Dependency
	imageAcquired  bool
	stateEnteredAt time.Time

	killCh chan string
}

// New constructs a fresh Run for a newly-accepted bundle assignment. cpu
// and gpu sets are those already reserved from the Resource Pool by the
// caller.
func New(bundle types.BundleAssignment, cpuSet, gpuSet []int, workingDir string, deps Deps) *Run {
	return &Run{
		deps: deps,
		record: types.Run{
			UUID:       bundle.UUID,
			Bundle:     bundle,
			WorkingDir: workingDir,
			CPUSet:     cpuSet,
			GPUSet:     gpuSet,
			State:      types.RunStatePreparing,
			CreatedAt:  time.Now(),
		},
		stateEnteredAt: time.Now(),
		killCh:         make(chan string, 1),
	}
}

// Resume reconstructs a Run from a persisted record after a crash,
// rebinding to a still-running container via record.ContainerID.
func Resume(record types.Run, deps Deps) *Run {
	r := &Run{
		deps:           deps,
		record:         record,
		stateEnteredAt: time.Now(),
		killCh:         make(chan string, 1),
	}

	// Staging only ever completes before RUNNING is reached, so a
	// resumed run past that point already holds every declared
	// dependency's reference.
	if record.State != types.RunStatePreparing && record.State != types.RunStateStaging {
		r.acquiredDeps = record.Bundle.Dependencies
	}
	return r
}

// Snapshot returns a copy of the Run's current durable record.
func (r *Run) Snapshot() types.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

// RequestKill asks the driver to stop the run with reason. Non-blocking;
// a kill already in flight is a no-op.
func (r *Run) RequestKill(reason string) {
	select {
	case r.killCh <- reason:
	default:
	}
}

func (r *Run) logPath() string {
	return filepath.Join(r.deps.LogDir, r.record.UUID+".log")
}

func (r *Run) transition(ctx context.Context, next types.RunState) error {
	r.mu.Lock()
	prev := r.record.State
	r.record.State = next
	elapsed := time.Since(r.stateEnteredAt)
	r.stateEnteredAt = time.Now()
	snapshot := r.record
	r.mu.Unlock()

	metrics.RunStateDuration.WithLabelValues(string(prev)).Observe(elapsed.Seconds())

	log.WithRunID(r.record.UUID).Info().
		Str("component", "run").Str("from", string(prev)).Str("to", string(next)).
		Msg("run state transition")

	if err := r.deps.State.SaveRun(&snapshot); err != nil {
		log.WithRunID(r.record.UUID).Warn().Err(err).Msg("failed to persist run state, continuing in-memory")
	}
	return nil
}

// Drive runs the full state machine to a terminal state. It returns once
// the run has reached FINISHED or FAILED and all resources have been
// released; it does not return an error itself — failures are captured
// as the FAILED terminal state.
func (r *Run) Drive(ctx context.Context) {
	defer r.release(ctx)

	for {
		state := r.Snapshot().State
		if state.Terminal() {
			return
		}

		var err error
		switch state {
		case types.RunStatePreparing:
			err = r.doPreparing(ctx)
		case types.RunStateStaging:
			err = r.doStaging(ctx)
		case types.RunStateRunning:
			err = r.doRunning(ctx)
		case types.RunStateFinalizing:
			err = r.doFinalizing(ctx)
		case types.RunStateUploading:
			err = r.doUploading(ctx)
		default:
			err = fmt.Errorf("run: unknown state %q", state)
		}

		if err != nil {
			r.fail(ctx, err)
			return
		}
	}
}

func (r *Run) fail(ctx context.Context, cause error) {
	r.mu.Lock()
	r.record.KillReason = cause.Error()
	r.mu.Unlock()

	log.WithRunID(r.record.UUID).Error().Err(cause).Msg("run failed")
	metrics.RunsTotal.WithLabelValues(string(types.RunStateFailed)).Inc()
	_ = r.transition(ctx, types.RunStateFailed)

	rec := r.Snapshot()
	if err := r.deps.Client.UpdateRunMetadata(ctx, rec.UUID, bundleservice.RunMetadataUpdate{
		State:          types.RunStateFailed,
		Usage:          rec.Usage,
		LogOffset:      rec.LogOffset,
		ExitCode:       rec.ExitCode,
		FailureMessage: rec.KillReason,
	}); err != nil {
		log.WithRunID(rec.UUID).Warn().Err(err).Msg("failed to report terminal failure")
	}
}

// killRequested is a non-blocking check of r.killCh, used by states that
// poll or loop over several blocking calls before RUNNING's own select
// takes over kill handling.
func (r *Run) killRequested() (string, bool) {
	select {
	case reason := <-r.killCh:
		return reason, true
	default:
		return "", false
	}
}

// watchKill returns a context canceled as soon as a kill request arrives,
// so blocking calls made before RUNNING (image pull, dependency download)
// abort within one chunk rather than running to completion. The reason is
// put back on killCh for the caller's killRequested check.
func (r *Run) watchKill(ctx context.Context) (context.Context, context.CancelFunc) {
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case reason := <-r.killCh:
			r.RequestKill(reason)
			cancel()
		case <-wctx.Done():
		}
	}()
	return wctx, cancel
}

func (r *Run) doPreparing(ctx context.Context) error {
	if reason, killed := r.killRequested(); killed {
		return r.killedBeforeRunning(ctx, reason)
	}

	if err := os.MkdirAll(r.record.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("preparing: working directory: %w", err)
	}

	pullCtx, cancel := r.watchKill(ctx)
	defer cancel()

	image := r.record.Bundle.DockerImage
	if err := r.deps.ImageCache.EnsurePresent(pullCtx, image); err != nil {
		if reason, killed := r.killRequested(); killed {
			return r.killedBeforeRunning(ctx, reason)
		}
		return fmt.Errorf("preparing: ensure image %s: %w", image, err)
	}
	r.mu.Lock()
	r.imageAcquired = true
	r.mu.Unlock()

	if reason, killed := r.killRequested(); killed {
		return r.killedBeforeRunning(ctx, reason)
	}
	return r.transition(ctx, types.RunStateStaging)
}

func (r *Run) doStaging(ctx context.Context) error {
	if reason, killed := r.killRequested(); killed {
		return r.killedBeforeRunning(ctx, reason)
	}

	reporter := newStagingProgressReporter(ctx, r.record.UUID, r.deps.Client)
	go reporter.run()
	defer reporter.Stop()

	stageCtx, cancel := r.watchKill(ctx)
	defer cancel()

	deps := r.record.Bundle.Dependencies
	mounts := make([]specs.Mount, 0, len(deps))
	start := time.Now()

	acquired := make([]types.Dependency, 0, len(deps))
	for _, dep := range deps {
		localPath, err := r.deps.DepCache.Acquire(stageCtx, dep.ParentUUID, dep.ParentSubpath)
		if err != nil {
			r.mu.Lock()
			r.acquiredDeps = acquired
			r.mu.Unlock()
			if reason, killed := r.killRequested(); killed {
				return r.killedBeforeRunning(ctx, reason)
			}
			return fmt.Errorf("staging: acquire %s: %w", dep.Key(), err)
		}
		acquired = append(acquired, dep)
		reporter.report(dep.Key(), time.Since(start))

		mounts = append(mounts, specs.Mount{
			Destination: filepath.Join(containerWorkDir, dep.MountName),
			Source:      localPath,
			Type:        "bind",
			Options:     []string{"rbind", "ro"},
		})

		if reason, killed := r.killRequested(); killed {
			r.mu.Lock()
			r.acquiredDeps = acquired
			r.mu.Unlock()
			return r.killedBeforeRunning(ctx, reason)
		}
	}

	r.mu.Lock()
	r.stagedMounts = mounts
	r.acquiredDeps = acquired
	r.mu.Unlock()

	if reason, killed := r.killRequested(); killed {
		return r.killedBeforeRunning(ctx, reason)
	}
	return r.transition(ctx, types.RunStateRunning)
}

// killedBeforeRunning honors a kill request received during PREPARING or
// STAGING, before a container exists to stop. There is nothing to tear
// down beyond whatever dependencies/image the caller already acquired;
// release handles those once Drive returns.
func (r *Run) killedBeforeRunning(ctx context.Context, reason string) error {
	metrics.RunKillsTotal.Inc()
	log.WithRunID(r.record.UUID).Warn().Str("reason", reason).Msg("kill requested before run started, aborting")
	r.mu.Lock()
	r.record.KillRequested = true
	r.record.KillReason = reason
	r.mu.Unlock()
	return fmt.Errorf("killed before running: %s", reason)
}

func (r *Run) doRunning(ctx context.Context) error {
	rec := r.Snapshot()

	containerID := rec.ContainerID
	if containerID == "" {
		networkName := r.deps.Network.NetworkFor(rec.Bundle.Resources.NetworkAllowed)

		var err error
		containerID, err = r.deps.Runtime.CreateContainer(ctx, r.runtimeContainerSpec())
		if err != nil {
			return fmt.Errorf("running: create container: %w", err)
		}
		if err := r.deps.Runtime.StartContainer(ctx, containerID, r.logPath()); err != nil {
			return fmt.Errorf("running: start container: %w", err)
		}

		pid, err := r.deps.Runtime.GetContainerPID(ctx, containerID)
		if err != nil {
			return fmt.Errorf("running: container pid: %w", err)
		}
		if err := r.deps.Network.AttachContainer(pid, networkName, r.deps.Network.AllocateIP(networkName)); err != nil {
			return fmt.Errorf("running: attach %s: %w", networkName, err)
		}

		r.mu.Lock()
		r.record.ContainerID = containerID
		r.record.NetworkName = networkName
		r.record.ContainerPID = pid
		r.record.StartedAt = time.Now()
		snapshot := r.record
		r.mu.Unlock()

		if err := r.deps.State.SaveRun(&snapshot); err != nil {
			log.WithRunID(rec.UUID).Warn().Err(err).Msg("failed to persist container id, continuing in-memory")
		}
	}

	batcher := newSampleBatcher(ctx, rec.UUID, r.deps.Client)
	defer batcher.Close(ctx)

	bo := newBackoff()
	offset := rec.LogOffset

	for {
		status, exitCode, err := r.deps.Runtime.GetContainerStatus(ctx, containerID)
		if err != nil {
			return fmt.Errorf("running: get status: %w", err)
		}

		memoryPeak, statsErr := r.deps.Runtime.GetContainerStats(ctx, containerID)
		if statsErr != nil {
			log.WithRunID(rec.UUID).Debug().Err(statsErr).Msg("container stats unavailable")
		}
		usage := types.ResourceUsage{
			WallTime:   time.Since(r.Snapshot().StartedAt),
			MemoryPeak: memoryPeak,
			DiskUsed:   diskUsage(rec.WorkingDir),
		}
		r.mu.Lock()
		r.record.Usage = usage
		r.mu.Unlock()

		if logFile, lerr := r.deps.Runtime.GetContainerLogs(r.logPath(), offset); lerr == nil {
			chunk := make([]byte, 64*1024)
			n, _ := logFile.Read(chunk)
			logFile.Close()
			if n > 0 {
				offset += int64(n)
				r.mu.Lock()
				r.record.LogOffset = offset
				r.record.ProgressEvent++
				r.mu.Unlock()
				batcher.Submit(ctx, sample{logChunk: chunk[:n], usage: usage, offset: offset})
				bo.Reset()
			}
		}

		if status == types.ContainerStateExited || status == types.ContainerStateMissing {
			r.mu.Lock()
			r.record.ExitCode = exitCode
			r.record.LogOffset = offset
			r.mu.Unlock()
			return r.transition(ctx, types.RunStateFinalizing)
		}

		select {
		case reason := <-r.killCh:
			metrics.RunKillsTotal.Inc()
			log.WithRunID(rec.UUID).Warn().Str("reason", reason).Msg("kill requested, stopping container")
			if err := r.deps.Runtime.StopContainer(ctx, containerID, r.deps.KillGracePeriod); err != nil {
				log.WithRunID(rec.UUID).Warn().Err(err).Msg("stop container failed during kill")
			}
			r.mu.Lock()
			r.record.KillRequested = true
			r.record.KillReason = reason
			r.mu.Unlock()
			bo.Reset()
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Next()):
		}
	}
}

// diskUsage sums the size of every regular file under root, giving the
// run's current output footprint. A missing or unreadable root reports 0
// rather than failing the sampling loop.
func diskUsage(root string) int64 {
	var total int64
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

func (r *Run) doFinalizing(ctx context.Context) error {
	status, exitCode, err := r.deps.Runtime.GetContainerStatus(ctx, r.record.ContainerID)
	if err != nil {
		return fmt.Errorf("finalizing: get status: %w", err)
	}
	if status == types.ContainerStateMissing {
		return fmt.Errorf("finalizing: container disappeared")
	}

	r.mu.Lock()
	r.record.ExitCode = exitCode
	r.record.FinishedAt = time.Now()
	r.mu.Unlock()

	return r.transition(ctx, types.RunStateUploading)
}

// uploadWorkingDir hands every file under the run's working directory to
// the bundle service's upload path, keyed by its path relative to the
// working directory root. A working directory that never received any
// output (e.g. a run killed before producing files) is not an error.
func (r *Run) uploadWorkingDir(ctx context.Context) error {
	root := r.record.WorkingDir
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		return r.deps.Client.UploadRunOutput(ctx, r.record.UUID, rel, f)
	})
}

func (r *Run) doUploading(ctx context.Context) error {
	if err := r.uploadWorkingDir(ctx); err != nil {
		return fmt.Errorf("uploading: working directory: %w", err)
	}

	rec := r.Snapshot()
	final := types.RunStateFinished
	if rec.KillRequested || rec.ExitCode == nil || *rec.ExitCode != 0 {
		final = types.RunStateFailed
	}

	update := bundleservice.RunMetadataUpdate{
		State:     final,
		Usage:     rec.Usage,
		LogOffset: rec.LogOffset,
		ExitCode:  rec.ExitCode,
	}
	if final == types.RunStateFailed {
		update.FailureMessage = rec.KillReason
	}
	if err := r.deps.Client.UpdateRunMetadata(ctx, rec.UUID, update); err != nil {
		return fmt.Errorf("uploading: final metadata: %w", err)
	}

	metrics.RunsTotal.WithLabelValues(string(final)).Inc()
	return r.transition(ctx, final)
}

// release tears down the container and releases every acquired resource,
// run once Drive reaches a terminal state (or is abandoned on panic
// recovery by the caller's supervising goroutine).
func (r *Run) release(ctx context.Context) {
	rec := r.Snapshot()

	if rec.ContainerID != "" {
		if err := r.deps.Runtime.DeleteContainer(ctx, rec.ContainerID); err != nil {
			log.WithRunID(rec.UUID).Warn().Err(err).Msg("failed to delete container during release")
		}
	}
	if rec.ContainerPID != 0 {
		// the veth pair usually dies with the container's netns; this only
		// matters when the host end was left behind
		if err := r.deps.Network.DetachContainer(rec.ContainerPID); err != nil {
			log.WithRunID(rec.UUID).Debug().Err(err).Msg("host veth already gone")
		}
	}

	r.mu.Lock()
	acquired := r.acquiredDeps
	imageAcquired := r.imageAcquired
	r.mu.Unlock()
	for _, dep := range acquired {
		r.deps.DepCache.Release(dep.ParentUUID, dep.ParentSubpath)
	}
	if imageAcquired {
		r.deps.ImageCache.Release(rec.Bundle.DockerImage)
	}
	r.deps.Pool.Release(resourcepool.Allocation{
		CPUSet:      rec.CPUSet,
		GPUSet:      rec.GPUSet,
		MemoryBytes: rec.Bundle.Resources.MemoryBytes,
	})

	if err := r.deps.State.FinishRun(rec.UUID); err != nil {
		log.WithRunID(rec.UUID).Warn().Err(err).Msg("failed to remove finished run from state store")
	}

	log.WithRunID(rec.UUID).Info().Str("state", string(rec.State)).Msg("run released")
}

// containerWorkDir is where a run's host working directory is mounted
// inside its container; the command starts with this as its cwd, and
// dependency mounts appear as read-only subpaths beneath it.
const containerWorkDir = "/work"

// runtimeContainerSpec builds the containerd-facing spec from a staged,
// about-to-launch run.
func (r *Run) runtimeContainerSpec() *runtime.ContainerSpec {
	rec := r.Snapshot()

	mounts := append([]specs.Mount{{
		Destination: containerWorkDir,
		Source:      rec.WorkingDir,
		Type:        "bind",
		Options:     []string{"rbind", "rw"},
	}}, r.stagedMounts...)

	return &runtime.ContainerSpec{
		ID:               rec.UUID,
		Image:            rec.Bundle.DockerImage,
		Command:          splitCommand(rec.Bundle.Command),
		WorkingDir:       containerWorkDir,
		CPUSet:           rec.CPUSet,
		GPUSet:           rec.GPUSet,
		MemoryLimitBytes: rec.Bundle.Resources.MemoryBytes,
		Runtime:          rec.Bundle.DockerRuntime,
		Mounts:           mounts,
		LogPath:          r.logPath(),
	}
}

func splitCommand(command string) []string {
	if command == "" {
		return nil
	}
	return []string{"/bin/sh", "-c", command}
}
