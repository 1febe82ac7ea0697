package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trellis-hive/queenhive/internal/dag"
)

var dagCmd = &cobra.Command{
	Use:   "dag",
	Short: "Inspect the cell dependency graph",
}

func init() {
	dagCmd.AddCommand(dagAddCmd)
	dagCmd.AddCommand(dagStatsCmd)
	dagCmd.AddCommand(dagLayersCmd)
	dagCmd.AddCommand(dagCriticalPathCmd)
	dagCmd.AddCommand(dagReadyCmd)

	dagAddCmd.Flags().StringSlice("deps", nil, "dependency cell ids")
	dagAddCmd.Flags().Int("priority", 0, "scheduling priority (higher runs first)")
	dagAddCmd.Flags().Int("duration", 0, "estimated duration in seconds (defaults to 60)")
}

func dagStatePath() string { return hiveRoot + "/dag_state.json" }

func loadDAG() (*dag.DAG, error) {
	return dag.Load(dagStatePath())
}

var dagAddCmd = &cobra.Command{
	Use:   "add ID",
	Short: "Add a cell node to the persisted DAG",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, _ := cmd.Flags().GetStringSlice("deps")
		priority, _ := cmd.Flags().GetInt("priority")
		duration, _ := cmd.Flags().GetInt("duration")

		d, err := loadDAG()
		if err != nil {
			return err
		}
		if _, err := d.AddCell(args[0], deps, priority, duration); err != nil {
			return fmt.Errorf("dag add: %w", err)
		}
		if err := d.Save(dagStatePath()); err != nil {
			return fmt.Errorf("dag save: %w", err)
		}
		fmt.Printf("✓ node added: %s\n", args[0])
		return nil
	},
}

var dagStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show DAG-wide statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDAG()
		if err != nil {
			return err
		}
		stats, err := d.Stats()
		if err != nil {
			return fmt.Errorf("dag stats: %w", err)
		}
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var dagLayersCmd = &cobra.Command{
	Use:   "layers",
	Short: "Print cells grouped into parallel execution layers",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDAG()
		if err != nil {
			return err
		}
		layers, err := d.GetParallelLayers()
		if err != nil {
			return fmt.Errorf("dag layers: %w", err)
		}
		for i, layer := range layers {
			fmt.Printf("layer %d: %s\n", i, strings.Join(layer, ", "))
		}
		return nil
	},
}

var dagCriticalPathCmd = &cobra.Command{
	Use:   "critical-path",
	Short: "Print the longest dependency chain by estimated duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDAG()
		if err != nil {
			return err
		}
		path, err := d.GetCriticalPath()
		if err != nil {
			return fmt.Errorf("dag critical-path: %w", err)
		}
		fmt.Println(strings.Join(path, " -> "))
		return nil
	},
}

var dagReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List cells whose dependencies are all satisfied",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDAG()
		if err != nil {
			return err
		}
		for _, id := range d.GetReadyCells() {
			fmt.Println(id)
		}
		return nil
	},
}
