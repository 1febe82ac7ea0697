package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellis-hive/queenhive/internal/drone"
	"github.com/trellis-hive/queenhive/internal/models"
)

var droneCmd = &cobra.Command{
	Use:   "drone",
	Short: "Run Drone Validator consensus checks against a worktree",
}

func init() {
	droneCmd.AddCommand(droneValidateCmd)
	droneCmd.AddCommand(droneCrossValidateCmd)

	for _, c := range []*cobra.Command{droneValidateCmd, droneCrossValidateCmd} {
		c.Flags().String("worktree", ".", "path to validate")
		c.Flags().StringSlice("dimensions", []string{"technical", "strategic", "security"}, "dimensions to evaluate")
		c.Flags().String("report-dir", ".trellis/validation-reports", "directory to write the JSON report into")
	}
	droneValidateCmd.Flags().String("drone-id", "", "drone identifier")
	droneCrossValidateCmd.Flags().Int("num-drones", 3, "number of independent drones to cross-validate with")
	droneCrossValidateCmd.Flags().Int64("seed", 1, "base random seed")
}

func parseDimensions(raw []string) []models.ValidationDimension {
	dims := make([]models.ValidationDimension, 0, len(raw))
	for _, r := range raw {
		dims = append(dims, models.ValidationDimension(r))
	}
	return dims
}

var droneValidateCmd = &cobra.Command{
	Use:   "validate CELL_ID",
	Short: "Run a single drone's validation pass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		worktree, _ := cmd.Flags().GetString("worktree")
		dims, _ := cmd.Flags().GetStringSlice("dimensions")
		reportDir, _ := cmd.Flags().GetString("report-dir")
		droneID, _ := cmd.Flags().GetString("drone-id")

		v := drone.New(worktree, 1)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		report, err := v.ValidateCell(ctx, args[0], droneID, parseDimensions(dims), reportDir)
		if err != nil {
			return fmt.Errorf("drone validate: %w", err)
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var droneCrossValidateCmd = &cobra.Command{
	Use:   "cross-validate CELL_ID",
	Short: "Run N independent drones and compute consensus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		worktree, _ := cmd.Flags().GetString("worktree")
		dims, _ := cmd.Flags().GetStringSlice("dimensions")
		reportDir, _ := cmd.Flags().GetString("report-dir")
		numDrones, _ := cmd.Flags().GetInt("num-drones")
		seed, _ := cmd.Flags().GetInt64("seed")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		result, err := drone.CrossValidate(ctx, worktree, args[0], numDrones, parseDimensions(dims), reportDir, seed)
		if err != nil {
			return fmt.Errorf("drone cross-validate: %w", err)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}
