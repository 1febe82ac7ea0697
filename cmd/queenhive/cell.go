package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellis-hive/queenhive/internal/cellstore"
	"github.com/trellis-hive/queenhive/internal/models"
)

var cellCmd = &cobra.Command{
	Use:   "cell",
	Short: "Manage work cells",
}

func init() {
	cellCmd.AddCommand(cellCreateCmd)
	cellCmd.AddCommand(cellListCmd)
	cellCmd.AddCommand(cellShowCmd)
	cellCmd.AddCommand(cellCleanupCmd)

	cellCreateCmd.Flags().String("description", "", "cell description")
	cellCreateCmd.Flags().StringSlice("inputs", nil, "input paths")
	cellCreateCmd.Flags().StringSlice("outputs", nil, "output paths")
	cellCreateCmd.Flags().StringSlice("deps", nil, "dependency cell ids")
	cellCreateCmd.Flags().String("project-root", ".", "repository root for worktree creation")

	cellCleanupCmd.Flags().Bool("keep-worktree", false, "do not remove the git worktree")
}

func openCellStore(projectRoot string) (*cellstore.Store, error) {
	return cellstore.New(hiveRoot, cellstore.WorktreeConfig{
		Enabled:     true,
		ProjectRoot: projectRoot,
		Base:        "../trellis-worktrees",
	})
}

var cellCreateCmd = &cobra.Command{
	Use:   "create ID",
	Short: "Create a new cell",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		description, _ := cmd.Flags().GetString("description")
		inputs, _ := cmd.Flags().GetStringSlice("inputs")
		outputs, _ := cmd.Flags().GetStringSlice("outputs")
		deps, _ := cmd.Flags().GetStringSlice("deps")
		projectRoot, _ := cmd.Flags().GetString("project-root")

		store, err := openCellStore(projectRoot)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		cell, err := store.CreateCell(ctx, id, description, inputs, outputs, deps)
		if err != nil {
			return fmt.Errorf("create cell: %w", err)
		}

		fmt.Printf("✓ cell created: %s\n", cell.ID)
		if cell.WorktreePath != "" {
			fmt.Printf("  worktree: %s (branch %s)\n", cell.WorktreePath, cell.Branch)
		}
		return nil
	},
}

var cellListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cells, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		store, err := openCellStore(".")
		if err != nil {
			return err
		}

		var status *models.CellStatus
		if statusFlag != "" {
			s := models.CellStatus(strings.ToLower(statusFlag))
			status = &s
		}

		cells, err := store.ListCells(status)
		if err != nil {
			return fmt.Errorf("list cells: %w", err)
		}
		if len(cells) == 0 {
			fmt.Println("no cells found")
			return nil
		}
		fmt.Printf("%-24s %-14s %s\n", "ID", "STATUS", "DEPENDENCIES")
		for _, c := range cells {
			fmt.Printf("%-24s %-14s %s\n", c.ID, c.Status, strings.Join(c.Dependencies, ","))
		}
		return nil
	},
}

func init() {
	cellListCmd.Flags().String("status", "", "filter by status (pending, in_progress, completed, failed, blocked)")
}

var cellShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a single cell's detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCellStore(".")
		if err != nil {
			return err
		}
		cell, err := store.GetCell(args[0])
		if err != nil {
			return fmt.Errorf("show cell: %w", err)
		}
		fmt.Printf("ID:           %s\n", cell.ID)
		fmt.Printf("Description:  %s\n", cell.Description)
		fmt.Printf("Status:       %s\n", cell.Status)
		fmt.Printf("Dependencies: %s\n", strings.Join(cell.Dependencies, ","))
		fmt.Printf("Worktree:     %s\n", cell.WorktreePath)
		fmt.Printf("Created:      %s\n", cell.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Updated:      %s\n", cell.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}

var cellCleanupCmd = &cobra.Command{
	Use:   "cleanup ID",
	Short: "Remove a cell's on-disk directory (and worktree unless --keep-worktree)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepWorktree, _ := cmd.Flags().GetBool("keep-worktree")
		store, err := openCellStore(".")
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := store.CleanupCell(ctx, args[0], keepWorktree); err != nil {
			return fmt.Errorf("cleanup cell: %w", err)
		}
		fmt.Printf("✓ cell cleaned up: %s\n", args[0])
		return nil
	},
}
