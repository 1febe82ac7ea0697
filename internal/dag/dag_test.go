package dag

import (
	"errors"
	"testing"

	"github.com/trellis-hive/queenhive/internal/models"
)

func buildDiamond(t *testing.T) *DAG {
	t.Helper()
	d := New()
	if _, err := d.AddCell("a", nil, 1, 10); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := d.AddCell("b", []string{"a"}, 1, 10); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if _, err := d.AddCell("c", []string{"a"}, 1, 10); err != nil {
		t.Fatalf("add c: %v", err)
	}
	if _, err := d.AddCell("d", []string{"b", "c"}, 1, 10); err != nil {
		t.Fatalf("add d: %v", err)
	}
	return d
}

func TestAddCellRejectsDuplicates(t *testing.T) {
	d := New()
	if _, err := d.AddCell("a", nil, 1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := d.AddCell("a", nil, 1, 10)
	if !errors.Is(err, ErrDuplicateCell) {
		t.Fatalf("got %v, want ErrDuplicateCell", err)
	}
}

func TestAddCellWiresDependentsBothDirections(t *testing.T) {
	d := buildDiamond(t)
	a, _ := d.Node("a")
	if len(a.Dependents) != 2 {
		t.Fatalf("expected a to have 2 dependents, got %v", a.Dependents)
	}
	dNode, _ := d.Node("d")
	if len(dNode.Dependencies) != 2 {
		t.Fatalf("expected d to depend on b and c, got %v", dNode.Dependencies)
	}
}

func TestAddCellRepairsForwardReferences(t *testing.T) {
	// A cell can declare a dependency on a node added later; AddCell must
	// repair the dependent back-reference once that node shows up.
	d := New()
	if _, err := d.AddCell("child", []string{"parent"}, 1, 10); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if _, err := d.AddCell("parent", nil, 1, 10); err != nil {
		t.Fatalf("add parent: %v", err)
	}
	parent, _ := d.Node("parent")
	if len(parent.Dependents) != 1 || parent.Dependents[0] != "child" {
		t.Fatalf("expected parent to list child as a dependent, got %v", parent.Dependents)
	}
}

func TestDetectCycle(t *testing.T) {
	d := New()
	d.AddCell("a", nil, 1, 10)
	d.AddCell("b", []string{"a"}, 1, 10)
	d.UpdateDependencies("a", []string{"b"})

	cycle := d.DetectCycle()
	if len(cycle) == 0 {
		t.Fatalf("expected a cycle to be detected")
	}
}

func TestTopologicalSortDiamond(t *testing.T) {
	d := buildDiamond(t)
	order, err := d.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Fatalf("topological order violates dependencies: %v", order)
	}
}

func TestGetParallelLayersDiamond(t *testing.T) {
	d := buildDiamond(t)
	layers, err := d.GetParallelLayers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers (a | b,c | d), got %d: %v", len(layers), layers)
	}
	if len(layers[1]) != 2 {
		t.Fatalf("expected the middle layer to contain b and c in parallel, got %v", layers[1])
	}
}

func TestGetCriticalPathDiamond(t *testing.T) {
	d := buildDiamond(t)
	path, err := d.GetCriticalPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("expected a 3-node critical path through the diamond, got %v", path)
	}
	if path[0] != "a" || path[len(path)-1] != "d" {
		t.Fatalf("critical path should start at a and end at d, got %v", path)
	}
}

func TestGetReadyCellsRespectsDependencies(t *testing.T) {
	d := buildDiamond(t)
	ready := d.GetReadyCells()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("only a should be ready initially, got %v", ready)
	}

	d.MarkRunning("a")
	d.MarkCompleted("a")
	ready = d.GetReadyCells()
	if len(ready) != 2 {
		t.Fatalf("expected b and c to become ready once a completes, got %v", ready)
	}
}

func TestGetReadyCellsOrdersByPriority(t *testing.T) {
	d := New()
	d.AddCell("low", nil, 1, 10)
	d.AddCell("high", nil, 9, 10)
	ready := d.GetReadyCells()
	if len(ready) != 2 || ready[0] != "high" {
		t.Fatalf("expected high-priority cell first, got %v", ready)
	}
}

func TestMarkFailedPropagatesBlockToDependents(t *testing.T) {
	d := buildDiamond(t)
	d.MarkRunning("a")
	d.MarkFailed("a")

	b, _ := d.Node("b")
	c, _ := d.Node("c")
	dNode, _ := d.Node("d")
	if b.State != models.StateBlocked || c.State != models.StateBlocked {
		t.Fatalf("expected b and c to be blocked, got b=%s c=%s", b.State, c.State)
	}
	if dNode.State != models.StateBlocked {
		t.Fatalf("expected the blocked state to propagate transitively to d, got %s", dNode.State)
	}
}

// TestResetCellDoesNotAutoUnblockDependents guards the preserved manual-reset
// semantics: resetting a failed cell must not cascade to un-block its
// dependents automatically.
func TestResetCellDoesNotAutoUnblockDependents(t *testing.T) {
	d := buildDiamond(t)
	d.MarkRunning("a")
	d.MarkFailed("a")
	d.ResetCell("a")

	aNode, _ := d.Node("a")
	if aNode.State != models.StatePending {
		t.Fatalf("expected a to be pending after reset, got %s", aNode.State)
	}
	b, _ := d.Node("b")
	if b.State != models.StateBlocked {
		t.Fatalf("expected b to remain blocked after a manual reset of a, got %s", b.State)
	}
}

func TestStatsCountsByState(t *testing.T) {
	d := buildDiamond(t)
	d.MarkRunning("a")
	d.MarkCompleted("a")
	d.MarkRunning("b")

	stats, err := d.Stats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalCells != 4 {
		t.Fatalf("expected 4 total cells, got %d", stats.TotalCells)
	}
	if stats.CompletedCells != 1 {
		t.Fatalf("expected 1 completed cell, got %d", stats.CompletedCells)
	}
	if stats.RunningCells != 1 {
		t.Fatalf("expected 1 running cell, got %d", stats.RunningCells)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := buildDiamond(t)
	d.MarkRunning("a")
	d.MarkCompleted("a")

	path := t.TempDir() + "/dag_state.json"
	if err := d.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	node, ok := loaded.Node("a")
	if !ok || node.State != models.StateCompleted {
		t.Fatalf("expected loaded dag to preserve a's completed state, got %+v ok=%v", node, ok)
	}
	ready := loaded.GetReadyCells()
	if len(ready) != 2 {
		t.Fatalf("expected b and c ready after reload, got %v", ready)
	}
}

func TestRemoveCellUnlinksNeighbors(t *testing.T) {
	d := buildDiamond(t)
	if !d.RemoveCell("a") {
		t.Fatalf("expected RemoveCell to report success")
	}
	b, _ := d.Node("b")
	if len(b.Dependencies) != 0 {
		t.Fatalf("expected b's dependency on a to be unlinked, got %v", b.Dependencies)
	}
	if d.RemoveCell("does-not-exist") {
		t.Fatalf("expected RemoveCell on an unknown id to report false")
	}
}
