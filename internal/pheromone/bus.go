package pheromone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-hive/queenhive/internal/models"
)

// ErrLockTimeout is returned when the bus lock cannot be acquired within
// the caller's timeout.
var ErrLockTimeout = errors.New("pheromone: lock acquisition timed out")

// ErrCorruptState is returned when the shared state file cannot be parsed
// after the retry budget is exhausted.
var ErrCorruptState = errors.New("pheromone: shared state file is corrupt")

const historyLimit = 1000

// WorkerStatus is the bus's view of one worker, part of the shared document.
type WorkerStatus struct {
	ID          string `json:"id"`
	Cell        string `json:"cell,omitempty"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	LastUpdate  string `json:"last_update"`
	BlockedBy   string `json:"blocked_by,omitempty"`
	BlockReason string `json:"block_reason,omitempty"`
}

// DroneStatus is the bus's view of one drone, part of the shared document.
type DroneStatus struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Status         string   `json:"status"`
	AssignedCells  []string `json:"assigned_cells,omitempty"`
	Score          *int     `json:"score,omitempty"`
	Issues         []string `json:"issues,omitempty"`
}

// BlockerRecord is one entry in the document's blockers list.
type BlockerRecord struct {
	CellID    string    `json:"cell_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Document is the full shared-state document per spec.md 6.
type Document struct {
	HiveID     string                     `json:"hive_id"`
	Status     string                     `json:"status"`
	Queen      QueenStatus                `json:"queen"`
	Workers    []WorkerStatus             `json:"workers"`
	Drones     []DroneStatus              `json:"drones"`
	Pheromones []models.PheromoneEntry    `json:"pheromones"`
	Blockers   []BlockerRecord            `json:"blockers"`
}

// QueenStatus is the embedded queen-phase summary in the document.
type QueenStatus struct {
	Phase         string    `json:"phase"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func emptyDocument() Document {
	return Document{Status: "inactive"}
}

// Subscription filters which pheromone types are delivered to a subscriber.
type Subscription struct {
	ch     chan models.PheromoneEntry
	types  map[models.PheromoneType]bool
	cancel func()
}

// Chan returns the channel subscribers should range over for delivered
// entries. The channel is closed on Unsubscribe.
func (s *Subscription) Chan() <-chan models.PheromoneEntry { return s.ch }

// Unsubscribe deactivates the subscription; it is safe to call more than once.
func (s *Subscription) Unsubscribe() { s.cancel() }

// Bus is the durable shared-state + event-trace channel described in
// spec.md 4.1, grounded on pheromone.py's PheromoneManager but generalized
// to the "enhanced" variant (decay, subscribers) spec.md treats as canonical
// per its Open Questions resolution (see DESIGN.md).
type Bus struct {
	root     string
	file     string
	lockFile string
	lockTimeout time.Duration

	mu      sync.RWMutex
	history []models.PheromoneEntry

	subMu sync.Mutex
	subs  []*Subscription

	readCounter   metric.Int64Counter
	writeCounter  metric.Int64Counter
	lockWaitHist  metric.Float64Histogram
	decaySweeps   metric.Int64Counter
}

// New constructs a Bus rooted at hiveRoot (typically <project>/.trellis).
func New(hiveRoot string) *Bus {
	meter := otel.Meter("queenhive")
	readCounter, _ := meter.Int64Counter("queenhive_pheromone_reads_total")
	writeCounter, _ := meter.Int64Counter("queenhive_pheromone_writes_total")
	lockWaitHist, _ := meter.Float64Histogram("queenhive_pheromone_lock_wait_ms")
	decaySweeps, _ := meter.Int64Counter("queenhive_pheromone_decay_sweeps_total")

	return &Bus{
		root:        hiveRoot,
		file:        filepath.Join(hiveRoot, "pheromone.json"),
		lockFile:    filepath.Join(hiveRoot, ".pheromone.lock"),
		lockTimeout: 10 * time.Second,

		readCounter:  readCounter,
		writeCounter: writeCounter,
		lockWaitHist: lockWaitHist,
		decaySweeps:  decaySweeps,
	}
}

// Shutdown satisfies registry.Component; the bus holds no background
// goroutines of its own (decay is driven externally by internal/sweeper).
func (b *Bus) Shutdown() error { return nil }

// Read parses the shared state file, recreating it as an empty document on
// a parse error and retrying, up to three attempts with a 100ms backoff,
// before returning ErrCorruptState.
func (b *Bus) Read() (Document, error) {
	b.readCounter.Add(context.Background(), 1)
	for attempt := 0; attempt < 3; attempt++ {
		data, err := os.ReadFile(b.file)
		if err != nil {
			if os.IsNotExist(err) {
				return emptyDocument(), nil
			}
			return Document{}, fmt.Errorf("pheromone: read state: %w", err)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			_ = b.Write(emptyDocument())
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return doc, nil
	}
	return Document{}, ErrCorruptState
}

// Write acquires the bus lock, writes doc to a sibling temp file and
// fsync-then-renames it into place, guaranteeing readers observe either the
// prior or the new complete document, never a partial one.
func (b *Bus) Write(doc Document) error {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return fmt.Errorf("pheromone: mkdir root: %w", err)
	}

	lock := NewExclusiveFileLock(b.lockFile)
	start := time.Now()
	ok, err := lock.Acquire(b.lockTimeout)
	b.lockWaitHist.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	if err != nil {
		return fmt.Errorf("pheromone: acquire lock: %w", err)
	}
	if !ok {
		return ErrLockTimeout
	}
	defer lock.Release()

	if err := b.writeAtomic(doc); err != nil {
		return err
	}
	b.writeCounter.Add(context.Background(), 1)
	return nil
}

func (b *Bus) writeAtomic(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("pheromone: marshal: %w", err)
	}
	tmp := b.file + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pheromone: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("pheromone: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("pheromone: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pheromone: close temp: %w", err)
	}
	if err := os.Rename(tmp, b.file); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pheromone: rename temp: %w", err)
	}
	return nil
}

// Emit creates an Entry, appends it to the live set under lock, appends to
// bounded in-memory history, notifies subscribers, and (for broadcast
// entries) appends a record to the hive-level broadcast log. No per-worktree
// incoming log is written.
func (b *Bus) Emit(entry models.PheromoneEntry) (models.PheromoneEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.TTLSecs == 0 {
		entry.TTLSecs = defaultTTL(entry.Type)
	}
	if entry.Strength == 0 {
		entry.Strength = 1.0
	}

	doc, err := b.Read()
	if err != nil {
		return entry, err
	}
	doc.Pheromones = append(doc.Pheromones, entry)
	if err := b.Write(doc); err != nil {
		return entry, err
	}

	b.mu.Lock()
	b.history = append(b.history, entry)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}
	b.mu.Unlock()

	b.notify(entry)

	if entry.Target == "" {
		_ = b.appendBroadcastLog(entry)
	}
	return entry, nil
}

func defaultTTL(t models.PheromoneType) int {
	if t == models.PheromoneBlocker {
		return 600
	}
	return 300
}

// appendBroadcastLog appends entry to the single newline-delimited
// pheromone-broadcast.jsonl log under the bus root; worktrees do not get
// logs of their own.
func (b *Bus) appendBroadcastLog(entry models.PheromoneEntry) error {
	logPath := filepath.Join(b.root, "pheromone-broadcast.jsonl")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Decay removes entries whose age has reached their TTL and scales the
// strength of survivors by (1 - age/ttl). Intended to run on a timer at the
// configured heartbeat interval (wired via internal/sweeper).
func (b *Bus) Decay(now time.Time) error {
	doc, err := b.Read()
	if err != nil {
		return err
	}
	live := doc.Pheromones[:0]
	for _, e := range doc.Pheromones {
		if e.Expired(now) {
			continue
		}
		age := e.Age(now)
		ttl := time.Duration(e.TTLSecs) * time.Second
		e.Strength = e.Strength * (1 - float64(age)/float64(ttl))
		live = append(live, e)
	}
	doc.Pheromones = live
	if err := b.Write(doc); err != nil {
		return err
	}
	b.decaySweeps.Add(context.Background(), 1)
	return nil
}

// Subscribe registers a filtered callback channel; if types is empty, all
// entry types are delivered. Delivery happens on a single goroutine per
// subscriber reading from the returned Subscription's channel, so a slow or
// panicking consumer never holds up the emitter (panics inside a range over
// Chan() are the caller's own responsibility, matching the "subscriber
// exceptions are swallowed" contract by never running user code on the
// emitting goroutine at all).
func (b *Bus) Subscribe(buffer int, types ...models.PheromoneType) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	typeSet := make(map[models.PheromoneType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	sub := &Subscription{ch: make(chan models.PheromoneEntry, buffer), types: typeSet}
	sub.cancel = func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	b.subMu.Lock()
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()
	return sub
}

func (b *Bus) notify(entry models.PheromoneEntry) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[entry.Type] {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			// Subscriber is backed up; drop rather than block the emitter,
			// matching the original's "callback exceptions never propagate"
			// isolation guarantee extended to slow consumers.
		}
	}
}

// EmitBlocker is a convenience emitter for a blocker pheromone with the
// documented 600s TTL.
func (b *Bus) EmitBlocker(cellID, reason, source string) (models.PheromoneEntry, error) {
	return b.Emit(models.PheromoneEntry{
		Type:    models.PheromoneBlocker,
		Source:  source,
		Target:  cellID,
		Data:    map[string]any{"reason": reason},
		TTLSecs: 600,
	})
}

// ResolveBlocker emits a completion entry for cellID and removes any live
// blocker entries targeting it.
func (b *Bus) ResolveBlocker(cellID, source string) error {
	doc, err := b.Read()
	if err != nil {
		return err
	}
	live := doc.Pheromones[:0]
	for _, e := range doc.Pheromones {
		if e.Type == models.PheromoneBlocker && e.Target == cellID {
			continue
		}
		live = append(live, e)
	}
	doc.Pheromones = live
	if err := b.Write(doc); err != nil {
		return err
	}
	_, err = b.Emit(models.PheromoneEntry{
		Type:   models.PheromoneCompletion,
		Source: source,
		Target: cellID,
	})
	return err
}

// UpdateWorkerStatus merges worker's status into the document's workers
// list, matching pheromone.py's update_worker_status upsert semantics.
func (b *Bus) UpdateWorkerStatus(status WorkerStatus) error {
	doc, err := b.Read()
	if err != nil {
		return err
	}
	found := false
	for i := range doc.Workers {
		if doc.Workers[i].ID == status.ID {
			doc.Workers[i] = status
			found = true
			break
		}
	}
	if !found {
		doc.Workers = append(doc.Workers, status)
	}
	return b.Write(doc)
}

// SyncWorkers merges the full worker-status list into the document, leaving
// drones/pheromones/blockers untouched. This is the corrected, merge-only
// form of coordinate_pheromone_sync (see DESIGN.md: the original clobbers
// the whole document).
func (b *Bus) SyncWorkers(statuses []WorkerStatus, phase string) error {
	doc, err := b.Read()
	if err != nil {
		return err
	}
	doc.Status = "active"
	doc.Workers = statuses
	doc.Queen = QueenStatus{Phase: phase, LastHeartbeat: time.Now().UTC()}
	return b.Write(doc)
}

// IsActive reports whether the hive is active per the document's status field.
func (b *Bus) IsActive() (bool, error) {
	doc, err := b.Read()
	if err != nil {
		return false, err
	}
	return doc.Status == "active", nil
}
