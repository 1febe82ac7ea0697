package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellis-hive/queenhive/internal/pheromone"
)

var pheromoneCmd = &cobra.Command{
	Use:   "pheromone",
	Short: "Inspect and interact with the pheromone bus",
}

func init() {
	pheromoneCmd.AddCommand(pheromoneShowCmd)
	pheromoneCmd.AddCommand(pheromoneBlockCmd)
	pheromoneCmd.AddCommand(pheromoneResolveCmd)
	pheromoneCmd.AddCommand(pheromoneDecayCmd)

	pheromoneBlockCmd.Flags().String("reason", "", "reason for the blocker")
	pheromoneBlockCmd.Flags().String("source", "cli", "source identifier")
	pheromoneResolveCmd.Flags().String("source", "cli", "source identifier")
}

var pheromoneShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current pheromone document",
	RunE: func(cmd *cobra.Command, args []string) error {
		bus := pheromone.New(hiveRoot)
		doc, err := bus.Read()
		if err != nil {
			return fmt.Errorf("pheromone show: %w", err)
		}
		out, _ := json.MarshalIndent(doc, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var pheromoneBlockCmd = &cobra.Command{
	Use:   "block CELL_ID",
	Short: "Emit a blocker entry for a cell",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		source, _ := cmd.Flags().GetString("source")
		bus := pheromone.New(hiveRoot)
		if _, err := bus.EmitBlocker(args[0], reason, source); err != nil {
			return fmt.Errorf("pheromone block: %w", err)
		}
		fmt.Printf("✓ blocker emitted for %s\n", args[0])
		return nil
	},
}

var pheromoneResolveCmd = &cobra.Command{
	Use:   "resolve CELL_ID",
	Short: "Resolve an active blocker for a cell",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		bus := pheromone.New(hiveRoot)
		if err := bus.ResolveBlocker(args[0], source); err != nil {
			return fmt.Errorf("pheromone resolve: %w", err)
		}
		fmt.Printf("✓ blocker resolved for %s\n", args[0])
		return nil
	},
}

var pheromoneDecayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run a single TTL decay sweep over the pheromone document",
	RunE: func(cmd *cobra.Command, args []string) error {
		bus := pheromone.New(hiveRoot)
		if err := bus.Decay(time.Now()); err != nil {
			return fmt.Errorf("pheromone decay: %w", err)
		}
		fmt.Println("✓ decay sweep complete")
		return nil
	},
}
