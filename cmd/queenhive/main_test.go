package main

import "testing"

func TestRootCommandRegistersEveryComponentSubcommand(t *testing.T) {
	want := []string{"run", "cell", "dag", "pheromone", "queen", "drone", "config"}
	got := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		got[c.Name()] = true
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("expected rootCmd to register a %q subcommand", name)
		}
	}
}

func TestPersistentFlagsHaveSaneDefaults(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("hive-root")
	if flag == nil {
		t.Fatalf("expected a --hive-root persistent flag")
	}
	if flag.DefValue != ".trellis" {
		t.Fatalf("expected --hive-root to default to .trellis, got %q", flag.DefValue)
	}

	cfgFlag := rootCmd.PersistentFlags().Lookup("config")
	if cfgFlag == nil {
		t.Fatalf("expected a --config persistent flag")
	}
}
