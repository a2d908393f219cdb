package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skipplusnet/skipplus/pkg/config"
	"github.com/skipplusnet/skipplus/pkg/emergency"
	"github.com/skipplusnet/skipplus/pkg/factory"
	"github.com/skipplusnet/skipplus/pkg/logging"
	"github.com/skipplusnet/skipplus/pkg/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Args:  cobra.NoArgs,
	Short: "Run a cluster of SKIP+ nodes in this process",
	Long:  `Starts one or more SKIP+ overlay nodes, optionally joining an existing overlay.`,
	RunE:  runNodes,
}

func init() {
	runCmd.Flags().Int("nodes", 0, "number of nodes to start in this process (overrides config)")
	runCmd.Flags().Int("port", 0, "base TCP port to listen on (overrides config)")
	runCmd.Flags().String("connect", "", "host:port of an existing node to join (overrides config)")
	runCmd.Flags().Uint("bit-length", 0, "length in bits of a node's rs identifier (overrides config)")
	runCmd.Flags().Duration("tick-interval", 0, "periodic maintenance tick interval (overrides config)")
	runCmd.Flags().Float64("outbound-rps-limit", 0, "max linearise RPCs a node may initiate per second, 0 disables the limit")
	runCmd.Flags().String("metrics-addr", "", "address to expose Prometheus metrics on, empty disables metrics")
	runCmd.Flags().Bool("visualize", false, "periodically log each node's neighborhood, ranges, and pred/succ at INFO, for an external visualizer to consume")
}

func runNodes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logLevel := logging.Level(cfg.Framework.LogLevel)
	if verbose {
		logLevel = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:  logLevel,
		Format: logging.Format(cfg.Framework.LogFormat),
		Output: os.Stdout,
	})

	logger.Info("skipplus-node starting", "version", version, "nodes", cfg.Cluster.Count, "base_port", cfg.Cluster.BasePort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cluster, err := factory.CreateLocalCluster(ctx, factory.Config{
		Host:             cfg.Cluster.Host,
		BasePort:         cfg.Cluster.BasePort,
		Count:            cfg.Cluster.Count,
		BitLength:        cfg.Overlay.BitLength,
		TickInterval:     cfg.Overlay.TickInterval,
		WorkerCount:      cfg.Overlay.WorkerCount,
		OutboundRPSLimit: cfg.Overlay.OutboundRPSLimit,
		Logger:           logger,
		Connect:          cfg.Cluster.Connect,
		Metrics:          cfg.Metrics.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to start cluster: %w", err)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		go func() {
			handler := telemetry.CombinedHandler(cluster.Metrics...)
			if err := telemetry.Serve(ctx, cfg.Metrics.Addr, handler); err != nil {
				logger.Warn("metrics server stopped", "error", err.Error())
			}
		}()
		logger.Info("metrics exposed", "addr", cfg.Metrics.Addr)
	}

	if visualize, _ := cmd.Flags().GetBool("visualize"); visualize {
		go cluster.LogSnapshots(ctx, cfg.Overlay.TickInterval)
	}

	controller := emergency.New(emergency.Config{
		StopFile:             cfg.Emergency.StopFile,
		EnableSignalHandlers: true,
	})
	controller.OnStop(func() {
		logger.Info("shutting down cluster")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Emergency.AutoCleanupTimeout)
		defer shutdownCancel()
		cluster.Shutdown(shutdownCtx)
		cancel()
	})
	controller.Start(ctx)

	logger.Info("cluster running", "count", len(cluster.Nodes))
	<-controller.StopChannel()
	// The stop channel closes before the OnStop callback runs; ctx is
	// canceled only once that callback's cluster shutdown has finished.
	<-ctx.Done()
	logger.Info("skipplus-node stopped")
	return nil
}

// applyFlagOverrides mutates cfg in place with any flags the user
// explicitly set on the command line.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("nodes") {
		cfg.Cluster.Count, _ = cmd.Flags().GetInt("nodes")
	}
	if cmd.Flags().Changed("port") {
		cfg.Cluster.BasePort, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("connect") {
		cfg.Cluster.Connect, _ = cmd.Flags().GetString("connect")
	}
	if cmd.Flags().Changed("bit-length") {
		cfg.Overlay.BitLength, _ = cmd.Flags().GetUint("bit-length")
	}
	if cmd.Flags().Changed("tick-interval") {
		cfg.Overlay.TickInterval, _ = cmd.Flags().GetDuration("tick-interval")
	}
	if cmd.Flags().Changed("outbound-rps-limit") {
		cfg.Overlay.OutboundRPSLimit, _ = cmd.Flags().GetFloat64("outbound-rps-limit")
	}
	if cmd.Flags().Changed("metrics-addr") {
		addr, _ := cmd.Flags().GetString("metrics-addr")
		cfg.Metrics.Addr = addr
		cfg.Metrics.Enabled = addr != ""
	}
}
