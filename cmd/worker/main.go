package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codalab/worker-agent/pkg/bundleservice"
	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/metrics"
	"github.com/codalab/worker-agent/pkg/runtime"
	"github.com/codalab/worker-agent/pkg/types"
	"github.com/codalab/worker-agent/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "worker",
	Short:   "Run the compute worker node agent",
	Long:    `worker checks in with a bundle service, executes assigned runs in containers, and reports their progress and output back.`,
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("worker version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("node-id", "", "Unique identifier this worker reports to the bundle service (defaults to the hostname)")
	rootCmd.Flags().String("data-dir", "./worker-data", "Directory for run state, dependency cache, and image cache")
	rootCmd.Flags().String("bundle-service-addr", "http://127.0.0.1:2800", "Bundle service base URL")
	rootCmd.Flags().Duration("check-in-timeout", 60*time.Second, "How long a single long-poll check-in may block")
	rootCmd.Flags().Int("cpus", 4, "CPU cores this worker makes available")
	rootCmd.Flags().Int("gpus", -1, "GPUs this worker makes available (-1 = autodetect)")
	rootCmd.Flags().Int64("memory-bytes", 8*1024*1024*1024, "Memory this worker makes available")
	rootCmd.Flags().String("tag", "", "Worker tag, used to restrict which runs may be dispatched here")
	rootCmd.Flags().String("containerd-socket", "", "Containerd socket path (auto-detected if empty)")
	rootCmd.Flags().String("bin-dir", "", "Directory replaced in place on self-upgrade (defaults to the running executable's directory)")
	rootCmd.Flags().String("network-prefix", "codalab_worker_network", "Prefix for this worker's container networks")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve Prometheus metrics and health endpoints on")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

func runWorker(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bundleServiceAddr, _ := cmd.Flags().GetString("bundle-service-addr")
	checkInTimeout, _ := cmd.Flags().GetDuration("check-in-timeout")
	cpus, _ := cmd.Flags().GetInt("cpus")
	gpus, _ := cmd.Flags().GetInt("gpus")
	memoryBytes, _ := cmd.Flags().GetInt64("memory-bytes")
	tag, _ := cmd.Flags().GetString("tag")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	binDir, _ := cmd.Flags().GetString("bin-dir")
	networkPrefix, _ := cmd.Flags().GetString("network-prefix")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if nodeID == "" {
		if hostname, err := os.Hostname(); err == nil {
			nodeID = hostname
		} else {
			nodeID = "worker-" + uuid.NewString()[:8]
		}
	}

	if gpus < 0 {
		n, err := runtime.QueryGPUs()
		if err != nil {
			return fmt.Errorf("autodetect gpus: %w", err)
		}
		gpus = n
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	client := bundleservice.NewHTTPClient(bundleServiceAddr, nodeID, checkInTimeout)

	w, err := worker.New(worker.Config{
		NodeID:           nodeID,
		Tag:              tag,
		DataDir:          dataDir,
		CPUs:             cpus,
		GPUs:             gpus,
		MemoryBytes:      memoryBytes,
		ContainerdSocket: containerdSocket,
		NetworkPrefix:    networkPrefix,
		BinDir:           binDir,
	}, client)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	defer w.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metricsServer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("drain requested, finishing live runs before exit")
		cancel()
	}()

	exitCode, err := w.Run(ctx)
	if err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}

	if exitCode == types.ExitRestartUpgrade {
		os.Exit(exitCode)
	}
	return nil
}
