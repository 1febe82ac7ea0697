package sweeper

import (
	"log/slog"
	"testing"
	"time"

	"github.com/trellis-hive/queenhive/internal/cellstore"
	"github.com/trellis-hive/queenhive/internal/dag"
	"github.com/trellis-hive/queenhive/internal/models"
	"github.com/trellis-hive/queenhive/internal/pheromone"
)

func TestDefaultConfigEnablesAllJobs(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DecayExpr == "" || cfg.HeartbeatExpr == "" || cfg.ArchiveExpr == "" {
		t.Fatalf("expected the default config to enable all three jobs, got %+v", cfg)
	}
	if cfg.ArchiveMaxAge != 24*time.Hour {
		t.Fatalf("expected a 24h archive max age, got %v", cfg.ArchiveMaxAge)
	}
}

func TestNewSkipsJobsWithEmptyExpr(t *testing.T) {
	root := t.TempDir()
	bus := pheromone.New(root)
	d := dag.New()
	cells, err := cellstore.New(root, cellstore.WorktreeConfig{Enabled: false})
	if err != nil {
		t.Fatalf("cellstore: %v", err)
	}

	s, err := New(Config{}, bus, d, cells, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(s.cron.Entries()) != 0 {
		t.Fatalf("expected no cron entries when every expr is empty, got %d", len(s.cron.Entries()))
	}
}

func TestDecayJobRunsOnSchedule(t *testing.T) {
	root := t.TempDir()
	bus := pheromone.New(root)
	d := dag.New()
	cells, err := cellstore.New(root, cellstore.WorktreeConfig{Enabled: false})
	if err != nil {
		t.Fatalf("cellstore: %v", err)
	}

	if _, err := bus.Emit(models.PheromoneEntry{Type: models.PheromoneProgress, Source: "w", TTLSecs: 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	s, err := New(Config{DecayExpr: "* * * * * *"}, bus, d, cells, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	defer s.Shutdown()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := bus.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(doc.Pheromones) == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("expected the expired entry to be decayed away within 3s")
}

func TestShutdownStopsTheCronScheduler(t *testing.T) {
	root := t.TempDir()
	bus := pheromone.New(root)
	d := dag.New()
	cells, err := cellstore.New(root, cellstore.WorktreeConfig{Enabled: false})
	if err != nil {
		t.Fatalf("cellstore: %v", err)
	}
	s, err := New(Config{HeartbeatExpr: "* * * * * *"}, bus, d, cells, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
