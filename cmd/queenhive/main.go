// Command queenhive is the entry point for the Trellis-Hive orchestrator: a
// cron-tab of cell-management subcommands (cell, dag, pheromone, queen,
// drone, config) plus a long-running "run" command that wires the Queen
// Scheduler, Worker Pool, Pheromone Bus and periodic sweeper together and
// blocks until SIGINT/SIGTERM.
//
// Grounded on the teacher repo's services/orchestrator/main.go signal-driven
// lifecycle and on cobra-based CLIs in the example pack (e.g. cuemby/warren's
// cmd/warren) for the subcommand/flag layout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellis-hive/queenhive/internal/config"
	"github.com/trellis-hive/queenhive/internal/logging"
	"github.com/trellis-hive/queenhive/internal/obs"
	"github.com/trellis-hive/queenhive/internal/registry"
)

var (
	hiveRoot   string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "queenhive",
	Short: "Trellis Hive: concurrent multi-agent cell orchestrator",
	Long: `queenhive coordinates a DAG of work cells across a pool of agent
workers, using a file-backed pheromone bus for shared state and a drone
validator for multi-dimensional consensus review.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&hiveRoot, "hive-root", ".trellis", "hive state directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "hive-config.yaml", "path to hive configuration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cellCmd)
	rootCmd.AddCommand(dagCmd)
	rootCmd.AddCommand(pheromoneCmd)
	rootCmd.AddCommand(queenCmd)
	rootCmd.AddCommand(droneCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the hive configuration, falling back to documented
// defaults when the file is absent (config.Load already does this).
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// bootstrap wires the ambient stack (logging, tracing/metrics, the shutdown
// registry) for any subcommand that needs it, returning a teardown func.
func bootstrap(service string) (context.Context, *registry.Registry, func()) {
	logging.Init(service)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	shutdownObs := obs.Init(ctx, service)
	reg := registry.New()

	teardown := func() {
		stop()
		ctxSd, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, err := range reg.ShutdownAll() {
			fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		}
		if err := shutdownObs(ctxSd); err != nil {
			fmt.Fprintf(os.Stderr, "observability shutdown error: %v\n", err)
		}
	}
	return ctx, reg, teardown
}
