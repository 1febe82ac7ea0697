package queen

import (
	"context"
	"testing"
	"time"

	"github.com/trellis-hive/queenhive/internal/cellstore"
	"github.com/trellis-hive/queenhive/internal/models"
	"github.com/trellis-hive/queenhive/internal/pheromone"
	"github.com/trellis-hive/queenhive/internal/pool"
)

func newTestQueen(t *testing.T, maxConcurrent int) (*Queen, *cellstore.Store) {
	t.Helper()
	root := t.TempDir()
	cells, err := cellstore.New(root, cellstore.WorktreeConfig{Enabled: false})
	if err != nil {
		t.Fatalf("cellstore: %v", err)
	}
	bus := pheromone.New(root)
	// Dispatch pairs ready cells only with workers that are already idle, so
	// the pool is started to spawn its minimum of idle workers.
	p := pool.New(pool.Config{MaxWorkers: 10, MinWorkers: 10})
	p.Start()
	t.Cleanup(func() { _ = p.Stop(context.Background(), time.Second) })

	q := New(Config{
		ProjectRoot:        root,
		HiveRoot:           root,
		MaxWorkers:         10,
		MaxConcurrentCells: maxConcurrent,
	}, cells, p, bus)

	// Dispatch only runs while the Queen reports itself running; avoid the
	// Queen's Start() (which also spawns the heartbeat goroutine) and flip
	// the state directly so Dispatch is exercised deterministically.
	q.mu.Lock()
	q.state = StateRunning
	q.mu.Unlock()

	return q, cells
}

func TestDispatchPairsIdleWorkersWithReadyCells(t *testing.T) {
	q, cells := newTestQueen(t, 0)
	ctx := context.Background()
	cells.CreateCell(ctx, "a", "d", nil, nil, nil)
	cells.CreateCell(ctx, "b", "d", nil, nil, nil)

	result, err := q.Dispatch()
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Dispatched != 2 {
		t.Fatalf("expected both ready cells dispatched, got %d", result.Dispatched)
	}

	a, err := cells.GetCell("a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if a.Status != models.CellInProgress {
		t.Fatalf("expected a to be in_progress after dispatch, got %s", a.Status)
	}
}

func TestDispatchDoesNothingIfNotRunning(t *testing.T) {
	root := t.TempDir()
	cells, _ := cellstore.New(root, cellstore.WorktreeConfig{Enabled: false})
	bus := pheromone.New(root)
	p := pool.New(pool.Config{MaxWorkers: 10})
	q := New(Config{ProjectRoot: root, HiveRoot: root, MaxWorkers: 10}, cells, p, bus)

	cells.CreateCell(context.Background(), "a", "d", nil, nil, nil)
	result, err := q.Dispatch()
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Dispatched != 0 {
		t.Fatalf("expected no dispatch before Start, got %d", result.Dispatched)
	}
}

// TestDispatchEnforcesMaxConcurrentCells exercises the admission-control
// resolution of the parallel-layer-width Open Question: Dispatch must cap
// the number of cells moved to in_progress at MaxConcurrentCells, even when
// more workers and ready cells are available.
func TestDispatchEnforcesMaxConcurrentCells(t *testing.T) {
	q, cells := newTestQueen(t, 1)
	ctx := context.Background()
	cells.CreateCell(ctx, "a", "d", nil, nil, nil)
	cells.CreateCell(ctx, "b", "d", nil, nil, nil)
	cells.CreateCell(ctx, "c", "d", nil, nil, nil)

	result, err := q.Dispatch()
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Dispatched != 1 {
		t.Fatalf("expected exactly 1 cell dispatched under MaxConcurrentCells=1, got %d", result.Dispatched)
	}

	// A second dispatch pass must not exceed the cap either, since the
	// first cell is still in_progress.
	result2, err := q.Dispatch()
	if err != nil {
		t.Fatalf("dispatch 2: %v", err)
	}
	if result2.Dispatched != 0 {
		t.Fatalf("expected 0 cells dispatched while at the concurrency cap, got %d", result2.Dispatched)
	}
}

func TestHandleBlockerAndResolveBlocker(t *testing.T) {
	q, cells := newTestQueen(t, 0)
	ctx := context.Background()
	cells.CreateCell(ctx, "a", "d", nil, nil, nil)

	if err := q.HandleBlocker("a", "missing input"); err != nil {
		t.Fatalf("handle blocker: %v", err)
	}
	a, err := cells.GetCell("a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if a.Status != models.CellBlocked {
		t.Fatalf("expected a to be blocked, got %s", a.Status)
	}

	if err := q.ResolveBlocker("a"); err != nil {
		t.Fatalf("resolve blocker: %v", err)
	}
	a, err = cells.GetCell("a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if a.Status != models.CellPending {
		t.Fatalf("expected a to return to pending after resolution, got %s", a.Status)
	}
}

func TestResolveBlockerRejectsNonBlockedCell(t *testing.T) {
	q, cells := newTestQueen(t, 0)
	cells.CreateCell(context.Background(), "a", "d", nil, nil, nil)

	if err := q.ResolveBlocker("a"); err == nil {
		t.Fatalf("expected an error resolving a cell that isn't blocked")
	}
}

func TestMonitorProgressCountsCellStates(t *testing.T) {
	q, cells := newTestQueen(t, 0)
	ctx := context.Background()
	cells.CreateCell(ctx, "a", "d", nil, nil, nil)
	cells.CreateCell(ctx, "b", "d", nil, nil, nil)
	cells.UpdateCellStatus("b", models.CellCompleted)

	stats, err := q.MonitorProgress()
	if err != nil {
		t.Fatalf("monitor progress: %v", err)
	}
	if stats.TotalCells != 2 {
		t.Fatalf("expected 2 total cells, got %d", stats.TotalCells)
	}
	if stats.CompletedCells != 1 {
		t.Fatalf("expected 1 completed cell, got %d", stats.CompletedCells)
	}
	if stats.PendingCells != 1 {
		t.Fatalf("expected 1 pending cell, got %d", stats.PendingCells)
	}
}
