package pheromone

import (
	"testing"
	"time"

	"github.com/trellis-hive/queenhive/internal/models"
)

func TestEmitAssignsDefaults(t *testing.T) {
	b := New(t.TempDir())
	entry, err := b.Emit(models.PheromoneEntry{Type: models.PheromoneProgress, Source: "worker-1"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if entry.ID == "" {
		t.Fatalf("expected an id to be assigned")
	}
	if entry.Timestamp.IsZero() {
		t.Fatalf("expected a timestamp to be assigned")
	}
	if entry.TTLSecs != 300 {
		t.Fatalf("expected default progress TTL of 300s, got %d", entry.TTLSecs)
	}
	if entry.Strength != 1.0 {
		t.Fatalf("expected default strength of 1.0, got %f", entry.Strength)
	}
}

func TestEmitBlockerUsesExtendedTTL(t *testing.T) {
	b := New(t.TempDir())
	entry, err := b.EmitBlocker("cell-1", "missing dependency", "worker-1")
	if err != nil {
		t.Fatalf("emit blocker: %v", err)
	}
	if entry.TTLSecs != 600 {
		t.Fatalf("expected blocker TTL of 600s, got %d", entry.TTLSecs)
	}
	doc, err := b.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doc.Pheromones) != 1 {
		t.Fatalf("expected the blocker to be persisted, got %d entries", len(doc.Pheromones))
	}
}

func TestResolveBlockerRemovesLiveBlockersForCell(t *testing.T) {
	b := New(t.TempDir())
	b.EmitBlocker("cell-1", "reason", "worker-1")
	b.EmitBlocker("cell-2", "other reason", "worker-2")

	if err := b.ResolveBlocker("cell-1", "worker-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	doc, err := b.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, e := range doc.Pheromones {
		if e.Type == models.PheromoneBlocker && e.Target == "cell-1" {
			t.Fatalf("expected cell-1's blocker to be removed, found %+v", e)
		}
	}
	foundCompletion := false
	foundOtherBlocker := false
	for _, e := range doc.Pheromones {
		if e.Type == models.PheromoneCompletion && e.Target == "cell-1" {
			foundCompletion = true
		}
		if e.Type == models.PheromoneBlocker && e.Target == "cell-2" {
			foundOtherBlocker = true
		}
	}
	if !foundCompletion {
		t.Fatalf("expected a completion entry for cell-1")
	}
	if !foundOtherBlocker {
		t.Fatalf("expected cell-2's blocker to survive untouched")
	}
}

func TestDecayExpiresAndScalesStrength(t *testing.T) {
	b := New(t.TempDir())
	base := time.Now().UTC()
	b.Emit(models.PheromoneEntry{Type: models.PheromoneProgress, Source: "w", Timestamp: base, TTLSecs: 100, Strength: 1.0})
	b.Emit(models.PheromoneEntry{Type: models.PheromoneProgress, Source: "w", Timestamp: base, TTLSecs: 10, Strength: 1.0})

	if err := b.Decay(base.Add(50 * time.Second)); err != nil {
		t.Fatalf("decay: %v", err)
	}

	doc, err := b.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doc.Pheromones) != 1 {
		t.Fatalf("expected the short-TTL entry to be purged, got %d entries", len(doc.Pheromones))
	}
	if doc.Pheromones[0].Strength >= 1.0 || doc.Pheromones[0].Strength <= 0 {
		t.Fatalf("expected the surviving entry's strength to decay, got %f", doc.Pheromones[0].Strength)
	}
}

// TestSyncWorkersPreservesOtherDocumentSections guards the merge-only fix
// to coordinate_pheromone_sync: syncing workers must never clobber drones,
// pheromones or blockers already present in the document.
func TestSyncWorkersPreservesOtherDocumentSections(t *testing.T) {
	b := New(t.TempDir())
	b.EmitBlocker("cell-1", "reason", "worker-1")

	doc, err := b.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	doc.Drones = []DroneStatus{{ID: "drone-1", Type: "technical", Status: "idle"}}
	if err := b.Write(doc); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := b.SyncWorkers([]WorkerStatus{{ID: "worker-1", Status: "busy"}}, "dispatch"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	after, err := b.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(after.Drones) != 1 {
		t.Fatalf("expected drones to survive the sync untouched, got %v", after.Drones)
	}
	if len(after.Pheromones) != 1 {
		t.Fatalf("expected the blocker pheromone to survive the sync, got %v", after.Pheromones)
	}
	if len(after.Workers) != 1 || after.Workers[0].ID != "worker-1" {
		t.Fatalf("expected the worker list to be updated, got %v", after.Workers)
	}
	if after.Status != "active" {
		t.Fatalf("expected sync to mark the document active, got %s", after.Status)
	}
}

func TestUpdateWorkerStatusUpserts(t *testing.T) {
	b := New(t.TempDir())
	if err := b.UpdateWorkerStatus(WorkerStatus{ID: "worker-1", Status: "idle"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := b.UpdateWorkerStatus(WorkerStatus{ID: "worker-1", Status: "busy", Progress: 50}); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, err := b.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(doc.Workers) != 1 {
		t.Fatalf("expected the second update to replace, not duplicate, got %d workers", len(doc.Workers))
	}
	if doc.Workers[0].Status != "busy" || doc.Workers[0].Progress != 50 {
		t.Fatalf("expected the worker's latest status to win, got %+v", doc.Workers[0])
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New(t.TempDir())
	sub := b.Subscribe(4, models.PheromoneBlocker)
	defer sub.Unsubscribe()

	b.Emit(models.PheromoneEntry{Type: models.PheromoneProgress, Source: "w"})
	b.Emit(models.PheromoneEntry{Type: models.PheromoneBlocker, Source: "w", Target: "cell-1"})

	select {
	case e := <-sub.Chan():
		if e.Type != models.PheromoneBlocker {
			t.Fatalf("expected only blocker entries to be delivered, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the blocker entry")
	}

	select {
	case e := <-sub.Chan():
		t.Fatalf("did not expect a second entry to be delivered, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIsActiveReflectsDocumentStatus(t *testing.T) {
	b := New(t.TempDir())
	active, err := b.IsActive()
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if active {
		t.Fatalf("expected a fresh bus to be inactive")
	}
	b.SyncWorkers(nil, "dispatch")
	active, err = b.IsActive()
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if !active {
		t.Fatalf("expected the bus to report active after a sync")
	}
}
