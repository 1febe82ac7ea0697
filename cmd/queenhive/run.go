package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/trellis-hive/queenhive/internal/cellstore"
	"github.com/trellis-hive/queenhive/internal/dag"
	"github.com/trellis-hive/queenhive/internal/pheromone"
	"github.com/trellis-hive/queenhive/internal/pool"
	"github.com/trellis-hive/queenhive/internal/queen"
	"github.com/trellis-hive/queenhive/internal/storage"
	"github.com/trellis-hive/queenhive/internal/sweeper"
)

var (
	runProjectRoot string
	runHTTPAddr    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Queen Scheduler and run until interrupted",
	Long: `Brings up the worker pool, pheromone bus and Queen Scheduler, loads the
persisted DAG, and dispatches ready cells onto idle workers until SIGINT or
SIGTERM is received.`,
	RunE: runHive,
}

func init() {
	runCmd.Flags().StringVar(&runProjectRoot, "project-root", ".", "repository root the cells operate against")
	runCmd.Flags().StringVar(&runHTTPAddr, "http-addr", "", "if set, serve a /health liveness endpoint on this address")
}

func runHive(cmd *cobra.Command, args []string) error {
	ctx, reg, teardown := bootstrap("queenhive")
	defer teardown()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("run: load config: %w", err)
	}

	cells, err := cellstore.New(hiveRoot, cellstore.WorktreeConfig{
		Enabled:     cfg.Cell.Isolation == "strict",
		ProjectRoot: runProjectRoot,
		Base:        cfg.Cell.WorktreeBase,
	})
	if err != nil {
		return fmt.Errorf("run: init cell store: %w", err)
	}

	bus := pheromone.New(hiveRoot)
	reg.Register(bus)

	workerPool := pool.New(pool.Config{
		MaxWorkers:          cfg.Worker.MaxCount,
		MinWorkers:          cfg.Worker.MinCount,
		HeartbeatTimeout:    time.Duration(cfg.Pheromone.TimeoutSecs) * time.Second,
		HeartbeatInterval:   time.Duration(cfg.Pheromone.HeartbeatInterval) * time.Second,
		TaskStealingEnabled: cfg.Worker.TaskStealing,
	})
	reg.Register(workerPool)

	d := dag.New()
	if loaded, err := dag.Load(hiveRoot + "/dag_state.json"); err == nil {
		d = loaded
	} else {
		slog.Warn("starting with an empty DAG", "error", err)
	}

	store, err := storage.Open(hiveRoot, otel.Meter("queenhive"))
	if err != nil {
		return fmt.Errorf("run: open storage: %w", err)
	}
	reg.Register(store)

	q := queen.New(queen.Config{
		ProjectRoot:        runProjectRoot,
		HiveRoot:           hiveRoot,
		MaxWorkers:         cfg.Worker.MaxCount,
		HeartbeatInterval:  time.Duration(cfg.Queen.HeartbeatInterval) * time.Second,
		AgentTimeout:       time.Duration(cfg.Queen.TimeoutMinutes) * time.Minute,
		MaxConcurrentCells: cfg.Queen.MaxConcurrentCells,
	}, cells, workerPool, bus)
	reg.Register(q)

	q.OnCellComplete(func(cellID string) {
		d.MarkCompleted(cellID)
		if err := d.Save(hiveRoot + "/dag_state.json"); err != nil {
			slog.Error("save dag state", "error", err)
		}
	})
	q.OnBlocker(func(cellID, reason string) {
		d.MarkFailed(cellID)
		slog.Warn("cell blocked", "cell", cellID, "reason", reason)
	})

	sw, err := sweeper.New(sweeper.DefaultConfig(), bus, d, cells, slog.Default())
	if err != nil {
		return fmt.Errorf("run: init sweeper: %w", err)
	}
	reg.Register(sw)

	q.Start()
	sw.Start()

	if runHTTPAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		srv := &http.Server{Addr: runHTTPAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
		slog.Info("health endpoint listening", "addr", runHTTPAddr)
	}

	slog.Info("hive running", "hive_root", hiveRoot, "max_workers", cfg.Worker.MaxCount)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutdown initiated")
			return nil
		case <-ticker.C:
			if _, err := q.Dispatch(); err != nil {
				slog.Error("dispatch failed", "error", err)
			}
		}
	}
}
