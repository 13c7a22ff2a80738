package worker

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/codalab/worker-agent/pkg/bundleservice"
	"github.com/codalab/worker-agent/pkg/depcache"
	"github.com/codalab/worker-agent/pkg/imagecache"
	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/metrics"
	"github.com/codalab/worker-agent/pkg/network"
	"github.com/codalab/worker-agent/pkg/resourcepool"
	"github.com/codalab/worker-agent/pkg/run"
	"github.com/codalab/worker-agent/pkg/runtime"
	"github.com/codalab/worker-agent/pkg/state"
	"github.com/codalab/worker-agent/pkg/types"
)

// Config holds everything needed to construct a Worker.
type Config struct {
	NodeID  string
	Tag     string
	DataDir string

	CPUs        int
	GPUs        int
	MemoryBytes int64

	ContainerdSocket string
	NetworkPrefix    string

	// BinDir is the directory replaced in place on self-upgrade; it
	// defaults to the running executable's directory.
	BinDir string

	CheckInInterval       time.Duration
	DependencyCacheQuota  int64
	ImageCacheQuota       int64
	CacheEvictionInterval time.Duration
	OutOfBandConcurrency  int
	KillGracePeriod       time.Duration
}

func (c *Config) setDefaults() {
	if c.CheckInInterval == 0 {
		c.CheckInInterval = 5 * time.Second
	}
	if c.CacheEvictionInterval == 0 {
		c.CacheEvictionInterval = time.Minute
	}
	if c.OutOfBandConcurrency == 0 {
		c.OutOfBandConcurrency = 8
	}
	if c.KillGracePeriod == 0 {
		c.KillGracePeriod = 10 * time.Second
	}
	if c.BinDir == "" {
		if exe, err := os.Executable(); err == nil {
			c.BinDir = filepath.Dir(exe)
		}
	}
}

// Worker is the top-level node agent: one check-in loop, a resource
// pool, two caches, a state store, and the set of live run.Run drivers.
type Worker struct {
	cfg Config

	client   bundleservice.Client
	pool     *resourcepool.Pool
	depCache *depcache.Cache
	imgCache *imagecache.Cache
	rt       *runtime.ContainerdRuntime
	net      *network.Manager
	store    *state.Store
	oob      *run.OutOfBand
	oobPool  *workerpool.WorkerPool

	runsMu sync.Mutex
	runs   map[string]*run.Run

	resumed        bool
	drainRequested bool
	shouldUpgrade  bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New wires up every collaborator from cfg but does not start any
// background loop yet; call Run to start the worker.
func New(cfg Config, client bundleservice.Client) (*Worker, error) {
	cfg.setDefaults()

	rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket)
	if err != nil {
		return nil, fmt.Errorf("worker: containerd runtime: %w", err)
	}

	store, err := state.Open(cfg.DataDir)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("worker: state store: %w", err)
	}

	depDir := filepath.Join(cfg.DataDir, "dependencies")
	depCache := depcache.New(depcache.Config{
		WorkDir:          depDir,
		QuotaBytes:       cfg.DependencyCacheQuota,
		EvictionInterval: cfg.CacheEvictionInterval,
	}, run.NewBundleFetcher(client))

	imgCache := imagecache.New(imagecache.Config{
		QuotaBytes:       cfg.ImageCacheQuota,
		EvictionInterval: cfg.CacheEvictionInterval,
	}, rt)

	netMgr := network.NewManager(cfg.NetworkPrefix)

	w := &Worker{
		cfg:      cfg,
		client:   client,
		pool:     resourcepool.New(cfg.CPUs, cfg.GPUs, cfg.MemoryBytes),
		depCache: depCache,
		imgCache: imgCache,
		rt:       rt,
		net:      netMgr,
		store:    store,
		oobPool:  workerpool.New(cfg.OutOfBandConcurrency),
		runs:     make(map[string]*run.Run),
		stopCh:   make(chan struct{}),
	}
	w.oob = run.NewOutOfBand(client)

	return w, nil
}

// Run starts the worker's background loops and blocks, running the
// check-in/dispatch cycle, until ctx is canceled or a drain completes.
// It returns an exit code: 0 for a clean drain, ExitRestartUpgrade if an
// upgrade message was handled, or a nonzero code on fatal setup failure.
func (w *Worker) Run(ctx context.Context) (int, error) {
	if err := w.net.EnsureNetworks(); err != nil {
		return 1, fmt.Errorf("worker: ensure networks: %w", err)
	}
	if err := w.imgCache.Reconcile(ctx); err != nil {
		log.WithComponent("worker").Warn().Err(err).Msg("image cache reconcile failed, continuing with an empty ledger")
	}
	if err := w.depCache.Reconcile(); err != nil {
		log.WithComponent("worker").Warn().Err(err).Msg("dependency cache reconcile failed, continuing with an empty ledger")
	}

	w.depCache.Start()
	defer w.depCache.Stop()
	w.imgCache.Start()
	defer w.imgCache.Stop()

	collector := metrics.NewCollector(w)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	ticker := time.NewTicker(w.cfg.CheckInInterval)
	defer ticker.Stop()

	drainCh := ctx.Done()
	for w.shouldRun() {
		select {
		case <-drainCh:
			w.drainRequested = true
			drainCh = nil
			continue
		case <-ticker.C:
		}

		if ctx.Err() != nil {
			// signal-driven drain; just wait for live runs to finish
			continue
		}

		msg, err := w.checkIn(ctx)
		if err != nil {
			log.WithComponent("worker").Warn().Err(err).Msg("check-in failed")
			continue
		}
		if msg == nil {
			continue
		}
		w.handleMessage(ctx, *msg)
	}

	w.wg.Wait()
	w.oobPool.StopWait()

	checkoutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := w.client.Checkout(checkoutCtx); err != nil {
		log.WithComponent("worker").Warn().Err(err).Msg("checkout failed, exiting anyway")
	}
	cancel()

	if w.shouldUpgrade {
		// deliberately not ctx: the drain is already agreed to, so the
		// code download retries until it succeeds even if ctx is gone
		if err := w.upgrade(context.Background()); err != nil {
			log.WithComponent("worker").Error().Err(err).Msg("upgrade failed")
			return 1, err
		}
		return types.ExitRestartUpgrade, nil
	}

	return types.ExitClean, nil
}

// shouldRun is false once a drain has been requested and every live run
// has finished.
func (w *Worker) shouldRun() bool {
	if !w.drainRequested {
		return true
	}
	w.runsMu.Lock()
	defer w.runsMu.Unlock()
	return len(w.runs) > 0
}

// checkIn performs one check_in round trip. Per the worker-local fix for
// the capacity-advertised-before-resume race: until resumePreviousRuns
// has completed, this worker advertises zero free capacity and refuses
// any run assignment it might still receive.
func (w *Worker) checkIn(ctx context.Context) (*types.Message, error) {
	var cpus, gpus int
	var memoryBytes int64
	if w.resumed {
		cpus, gpus, memoryBytes = w.pool.FreeCapacity()
	}

	deps := w.depCache.EnumerateReady()
	ready := make([]types.ReadyDependency, 0, len(deps))
	for _, d := range deps {
		ready = append(ready, types.ReadyDependency{ParentUUID: d.ParentUUID, ParentPath: d.ParentPath})
	}

	payload := types.CheckInPayload{
		Version:      types.ProtocolVersion,
		WillUpgrade:  w.drainRequested && w.shouldUpgrade,
		Tag:          w.cfg.Tag,
		CPUs:         cpus,
		GPUs:         gpus,
		MemoryBytes:  memoryBytes,
		Dependencies: ready,
	}

	msg, err := w.client.CheckIn(ctx, payload)
	if err != nil {
		return nil, err
	}

	if !w.resumed {
		w.resumePreviousRuns()
		w.resumed = true

		// this response answers the zero-capacity check-in, so a run
		// assignment in it is refused rather than dispatched
		if msg != nil && msg.Type == types.MessageTypeRun {
			log.WithComponent("worker").Warn().Msg("refusing run assignment received before resume completed")
			return &types.Message{Type: types.MessageTypeNull}, nil
		}
	}

	return msg, nil
}

// resumePreviousRuns reconstructs every run the state store still has a
// record for, reattaching its resource allocation before this worker
// ever advertises true free capacity.
func (w *Worker) resumePreviousRuns() {
	err := w.store.ResumePreviousRuns(func(record types.Run) error {
		alloc := resourcepool.Allocation{
			CPUSet:      record.CPUSet,
			GPUSet:      record.GPUSet,
			MemoryBytes: record.Bundle.Resources.MemoryBytes,
		}
		if err := w.pool.Reattach(alloc); err != nil {
			log.WithRunID(record.UUID).Warn().Err(err).Msg("resumed run's allocation no longer fits the configured pool, continuing anyway")
		}

		// re-pin dependencies the run's container still bind-mounts, so
		// eviction can't pull cached files out from under it
		if record.State != types.RunStatePreparing && record.State != types.RunStateStaging {
			for _, dep := range record.Bundle.Dependencies {
				if !w.depCache.Pin(dep.ParentUUID, dep.ParentSubpath) {
					log.WithRunID(record.UUID).Warn().Str("dependency", dep.Key()).Msg("resumed run's dependency missing from cache")
				}
			}
		}

		r := run.Resume(record, w.runDeps())
		w.trackRun(record.UUID, r)
		return nil
	})
	if err != nil {
		log.WithComponent("worker").Error().Err(err).Msg("resume_previous_runs failed")
	}
}

func (w *Worker) runDeps() run.Deps {
	return run.Deps{
		Pool:            w.pool,
		DepCache:        w.depCache,
		ImageCache:      w.imgCache,
		Runtime:         w.rt,
		Network:         w.net,
		Client:          w.client,
		State:           w.store,
		LogDir:          filepath.Join(w.cfg.DataDir, "logs"),
		KillGracePeriod: w.cfg.KillGracePeriod,
	}
}

func (w *Worker) trackRun(uuid string, r *run.Run) {
	w.runsMu.Lock()
	w.runs[uuid] = r
	w.runsMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.runsMu.Lock()
			delete(w.runs, uuid)
			w.runsMu.Unlock()
		}()
		r.Drive(context.Background())
	}()
}

// handleMessage dispatches one check-in response to the matching
// handler. run and out-of-band ops spawn independent execution contexts
// rather than blocking the caller.
func (w *Worker) handleMessage(ctx context.Context, msg types.Message) {
	switch msg.Type {
	case types.MessageTypeNull:
		return

	case types.MessageTypeRun:
		if !w.resumed {
			log.WithComponent("worker").Warn().Msg("refusing run assignment received before resume completed")
			return
		}
		w.dispatchRun(msg.Bundle)

	case types.MessageTypeRead:
		w.submitOutOfBand(msg.UUID, func(ctx context.Context, workingDir string) error {
			return w.oob.Read(ctx, workingDir, msg)
		})

	case types.MessageTypeNetcat:
		w.submitOutOfBand(msg.UUID, func(ctx context.Context, workingDir string) error {
			containerIP, err := w.containerIPFor(ctx, msg.UUID)
			if err != nil {
				return err
			}
			return w.oob.Netcat(ctx, containerIP, msg)
		})

	case types.MessageTypeWrite:
		w.submitOutOfBand(msg.UUID, func(ctx context.Context, workingDir string) error {
			return w.oob.Write(ctx, workingDir, msg)
		})

	case types.MessageTypeKill:
		w.runsMu.Lock()
		r, ok := w.runs[msg.UUID]
		w.runsMu.Unlock()
		if ok {
			r.RequestKill("kill requested by bundle service")
		}

	case types.MessageTypeUpgrade:
		w.drainRequested = true
		w.shouldUpgrade = true
		log.WithComponent("worker").Info().Msg("upgrade requested, draining before restart")
	}
}

func (w *Worker) containerIPFor(ctx context.Context, runUUID string) (string, error) {
	w.runsMu.Lock()
	r, ok := w.runs[runUUID]
	w.runsMu.Unlock()
	if !ok {
		return "", fmt.Errorf("worker: no live run %s for netcat", runUUID)
	}
	record := r.Snapshot()
	return w.rt.GetContainerIP(ctx, record.ContainerID)
}

// submitOutOfBand bounds read/netcat/write execution on w.oobPool so an
// unbounded number of out-of-band requests can't fan out into unbounded
// goroutines.
func (w *Worker) submitOutOfBand(runUUID string, fn func(ctx context.Context, workingDir string) error) {
	w.runsMu.Lock()
	r, ok := w.runs[runUUID]
	w.runsMu.Unlock()
	if !ok {
		log.WithRunID(runUUID).Warn().Msg("out-of-band op requested for unknown run, dropping")
		return
	}
	workingDir := r.Snapshot().WorkingDir

	w.oobPool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := fn(ctx, workingDir); err != nil {
			log.WithRunID(runUUID).Warn().Err(err).Msg("out-of-band operation failed")
		}
	})
}

// dispatchRun reserves resources from the pool and, on success, starts a
// new Run driver for the assignment.
func (w *Worker) dispatchRun(bundle *types.BundleAssignment) {
	if bundle == nil {
		return
	}

	alloc, err := w.pool.TryAllocate(bundle.Resources.CPUs, bundle.Resources.GPUs, bundle.Resources.MemoryBytes)
	if err != nil {
		log.WithRunID(bundle.UUID).Warn().Err(err).Msg("insufficient capacity for assigned run, dropping")
		return
	}

	workingDir := filepath.Join(w.cfg.DataDir, "runs", bundle.UUID)
	r := run.New(*bundle, alloc.CPUSet, alloc.GPUSet, workingDir, w.runDeps())
	w.trackRun(bundle.UUID, r)
}

// upgrade downloads a fresh code tarball and replaces the worker's own
// binary directory with its contents in place, mirroring the original
// worker's remove-then-untar self-upgrade: by the time this returns, the
// files on disk are the new version, and the caller exits with
// ExitRestartUpgrade to let the supervising process start it. The worker
// has already drained and cannot usefully revert, so every failure —
// download, gunzip, a stream dying mid-unpack — is retried indefinitely
// with a 1s sleep; only ctx cancellation gives up.
func (w *Worker) upgrade(ctx context.Context) error {
	if w.cfg.BinDir == "" {
		return fmt.Errorf("worker: no bin dir configured, cannot self-upgrade")
	}

	for {
		err := w.upgradeOnce(ctx)
		if err == nil {
			log.WithComponent("worker").Info().Str("bin_dir", w.cfg.BinDir).Msg("self-upgrade code replaced")
			return nil
		}
		log.WithComponent("worker").Warn().Err(err).Msg("self-upgrade attempt failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (w *Worker) upgradeOnce(ctx context.Context) error {
	rc, err := w.client.GetCode(ctx)
	if err != nil {
		return fmt.Errorf("worker: get_code: %w", err)
	}
	defer rc.Close()

	if err := os.RemoveAll(w.cfg.BinDir); err != nil {
		return fmt.Errorf("worker: remove %s: %w", w.cfg.BinDir, err)
	}
	if err := os.MkdirAll(w.cfg.BinDir, 0o755); err != nil {
		return fmt.Errorf("worker: recreate %s: %w", w.cfg.BinDir, err)
	}

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("worker: gunzip code archive: %w", err)
	}
	defer gz.Close()

	if err := untarInto(w.cfg.BinDir, gz); err != nil {
		return fmt.Errorf("worker: unpack code archive: %w", err)
	}
	return nil
}

// untarInto extracts r as a tar stream under root, recreating directories
// and regular files with their archived permissions.
func untarInto(root string, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(root, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", target, err)
			}
			f.Close()
		}
	}
}

// Close releases every collaborator the worker owns.
func (w *Worker) Close() error {
	close(w.stopCh)
	if err := w.store.Close(); err != nil {
		log.WithComponent("worker").Warn().Err(err).Msg("failed to close state store")
	}
	return w.rt.Close()
}

// --- metrics.Source ---

func (w *Worker) FreeCapacity() (cpus, gpus int, memoryBytes int64) {
	return w.pool.FreeCapacity()
}

func (w *Worker) DependencyCacheStats() (bytes int64, countsByState map[string]int) {
	return w.depCache.Stats()
}

func (w *Worker) ImageCacheStats() (bytes int64, count int) {
	return w.imgCache.Stats()
}

func (w *Worker) ActiveRunCounts() map[string]int {
	w.runsMu.Lock()
	defer w.runsMu.Unlock()

	counts := make(map[string]int)
	for _, r := range w.runs {
		counts[string(r.Snapshot().State)]++
	}
	return counts
}
