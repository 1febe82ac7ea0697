// Package config loads and validates the hive's declarative configuration
// file, hive-config.yaml.
//
// Grounded on hive_config.py's HiveConfig/PheromoneConfig/WorkerConfig/
// DroneConfig/CellConfig dataclasses and their default-coercing _from_dict.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type PheromoneConfig struct {
	File               string `yaml:"file"`
	TimeoutSecs        int    `yaml:"timeout"`
	HeartbeatInterval  int    `yaml:"heartbeat_interval"`
}

type WorkerConfig struct {
	MinCount     int  `yaml:"min_count"`
	MaxCount     int  `yaml:"max_count"`
	DefaultCount int  `yaml:"default_count"`
	TimeoutSecs  int  `yaml:"timeout"`
	MaxRetries   int  `yaml:"max_retries"`
	TaskStealing bool `yaml:"task_stealing"`
}

type DroneConfig struct {
	Ratio              float64  `yaml:"ratio"`
	Types              []string `yaml:"types"`
	ConsensusThreshold int      `yaml:"consensus_threshold"`
	MaxIterations      int      `yaml:"max_iterations"`
}

type CellConfig struct {
	Isolation         string `yaml:"isolation"`
	WorktreeBase      string `yaml:"worktree_base"`
	MaxFileSize       int    `yaml:"max_file_size"`
	ArchiveAfterHours int    `yaml:"archive_after_hours"`
}

type QueenConfig struct {
	HeartbeatInterval  int `yaml:"heartbeat_interval"`
	MaxConcurrentCells int `yaml:"max_concurrent_cells"`
	TimeoutMinutes     int `yaml:"timeout_minutes"`
}

type DAGConfig struct {
	EnableCycleDetection bool `yaml:"enable_cycle_detection"`
	ParallelLayerLimit   int  `yaml:"parallel_layer_limit"`
	EnableCriticalPath   bool `yaml:"enable_critical_path"`
	PersistState         bool `yaml:"persist_state"`
}

// Config is the root hive configuration document.
type Config struct {
	WorkerCount int             `yaml:"worker_count"`
	DroneRatio  float64         `yaml:"drone_ratio"`
	Pheromone   PheromoneConfig `yaml:"pheromone"`
	Worker      WorkerConfig    `yaml:"worker"`
	Drone       DroneConfig     `yaml:"drone"`
	Cell        CellConfig      `yaml:"cell"`
	Queen       QueenConfig     `yaml:"queen"`
	DAG         DAGConfig       `yaml:"dag"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		WorkerCount: 3,
		DroneRatio:  0.4,
		Pheromone: PheromoneConfig{
			File:              ".trellis/pheromone.json",
			TimeoutSecs:       300,
			HeartbeatInterval: 30,
		},
		Worker: WorkerConfig{
			MinCount:     2,
			MaxCount:     5,
			DefaultCount: 3,
			TimeoutSecs:  300,
			MaxRetries:   3,
			TaskStealing: true,
		},
		Drone: DroneConfig{
			Ratio:              0.4,
			Types:              []string{"technical", "strategic", "security"},
			ConsensusThreshold: 90,
			MaxIterations:      5,
		},
		Cell: CellConfig{
			Isolation:         "strict",
			WorktreeBase:      "../trellis-worktrees",
			MaxFileSize:       1024 * 1024,
			ArchiveAfterHours: 24,
		},
		Queen: QueenConfig{
			HeartbeatInterval:  30,
			MaxConcurrentCells: 5,
			TimeoutMinutes:     30,
		},
		DAG: DAGConfig{
			EnableCycleDetection: true,
			ParallelLayerLimit:   5,
			EnableCriticalPath:   true,
			PersistState:         true,
		},
	}
}

// Load reads and validates the configuration file at path. A missing file
// (or empty path) returns the documented defaults, matching HiveConfig.load
// falling back to cls() when the config file is absent.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate enforces the documented range constraints.
func (c *Config) Validate() error {
	if c.WorkerCount < c.Worker.MinCount || c.WorkerCount > c.Worker.MaxCount {
		return fmt.Errorf("config: worker_count must be between %d and %d, got %d",
			c.Worker.MinCount, c.Worker.MaxCount, c.WorkerCount)
	}
	if c.DroneRatio < 0.0 || c.DroneRatio > 1.0 {
		return fmt.Errorf("config: drone_ratio must be between 0.0 and 1.0, got %v", c.DroneRatio)
	}
	if c.Drone.ConsensusThreshold < 0 || c.Drone.ConsensusThreshold > 100 {
		return fmt.Errorf("config: drone.consensus_threshold must be between 0 and 100, got %d",
			c.Drone.ConsensusThreshold)
	}
	if c.Cell.Isolation != "strict" && c.Cell.Isolation != "relaxed" {
		return fmt.Errorf("config: cell.isolation must be 'strict' or 'relaxed', got %q", c.Cell.Isolation)
	}
	return nil
}

// DroneCount calculates the number of drones from worker count and ratio.
func (c *Config) DroneCount() int {
	n := int(float64(c.WorkerCount) * c.DroneRatio)
	if n < 1 {
		n = 1
	}
	return n
}
