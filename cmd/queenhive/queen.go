package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellis-hive/queenhive/internal/cellstore"
	"github.com/trellis-hive/queenhive/internal/pheromone"
	"github.com/trellis-hive/queenhive/internal/pool"
	"github.com/trellis-hive/queenhive/internal/queen"
)

var queenCmd = &cobra.Command{
	Use:   "queen",
	Short: "One-shot Queen Scheduler operations",
}

func init() {
	queenCmd.AddCommand(queenRunCellCmd)
	queenCmd.AddCommand(queenStatusCmd)

	queenRunCellCmd.Flags().String("platform", "claude", "agent CLI platform (claude, opencode, cursor)")
	queenRunCellCmd.Flags().String("project-root", ".", "repository root")
	queenRunCellCmd.Flags().Int("max-workers", 3, "worker pool size")
}

func newQueenForCLI(projectRoot string, maxWorkers int) (*queen.Queen, *pool.Pool, error) {
	cells, err := cellstore.New(hiveRoot, cellstore.WorktreeConfig{
		Enabled:     true,
		ProjectRoot: projectRoot,
		Base:        "../trellis-worktrees",
	})
	if err != nil {
		return nil, nil, err
	}
	bus := pheromone.New(hiveRoot)
	workerPool := pool.New(pool.Config{MaxWorkers: maxWorkers, MinWorkers: 1})
	workerPool.Start()

	q := queen.New(queen.Config{
		ProjectRoot:       projectRoot,
		HiveRoot:          hiveRoot,
		MaxWorkers:        maxWorkers,
		HeartbeatInterval: 30 * time.Second,
		AgentTimeout:      30 * time.Minute,
	}, cells, workerPool, bus)
	return q, workerPool, nil
}

var queenRunCellCmd = &cobra.Command{
	Use:   "run-cell CELL_ID",
	Short: "Dispatch a single cell to an agent synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, _ := cmd.Flags().GetString("platform")
		projectRoot, _ := cmd.Flags().GetString("project-root")
		maxWorkers, _ := cmd.Flags().GetInt("max-workers")

		q, workerPool, err := newQueenForCLI(projectRoot, maxWorkers)
		if err != nil {
			return fmt.Errorf("run-cell: %w", err)
		}
		defer func() { _ = workerPool.Stop(context.Background(), 10*time.Second) }()

		ctx := context.Background()
		if err := q.RunCell(ctx, args[0], platform, false); err != nil {
			return fmt.Errorf("run-cell: %w", err)
		}
		fmt.Printf("✓ cell completed: %s\n", args[0])
		return nil
	},
}

var queenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print aggregate cell/worker progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, workerPool, err := newQueenForCLI(".", 1)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		defer func() { _ = workerPool.Stop(context.Background(), 10*time.Second) }()

		stats, err := q.MonitorProgress()
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}
