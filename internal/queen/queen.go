// Package queen implements the Queen Scheduler: central dispatch of ready
// cells onto idle workers, blocker handling, and pheromone-backed heartbeat
// coordination, per spec.md 4.4, grounded on queen_scheduler.py.
//
// Unlike the original, the Queen never keeps its own worker bookkeeping; it
// delegates entirely to a pool.Pool so worker state has exactly one owner
// (see DESIGN.md: queen_scheduler.py._initialize_workers duplicated, and
// drifted from, worker_pool.py._spawn_worker).
package queen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-hive/queenhive/internal/cellstore"
	"github.com/trellis-hive/queenhive/internal/models"
	"github.com/trellis-hive/queenhive/internal/pheromone"
	"github.com/trellis-hive/queenhive/internal/pool"
	"github.com/trellis-hive/queenhive/internal/procutil"
	"github.com/trellis-hive/queenhive/internal/resilience"
)

// State is the scheduler's own lifecycle state, distinct from any single
// worker or cell's state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// ErrCellNotFound is returned by RunCell for an unknown cell id.
var ErrCellNotFound = cellstore.ErrCellNotFound

// ErrNoIdleWorkers is returned by RunCell when the pool has nothing free.
var ErrNoIdleWorkers = pool.ErrNoIdleWorker{}

// ErrUnknownPlatform is returned when buildAgentCommand has no recipe
// for the requested CLI platform.
var ErrUnknownPlatform = fmt.Errorf("queen: unknown agent platform")

// CellCompleteFunc fires after a cell finishes successfully.
type CellCompleteFunc func(cellID string)

// BlockerFunc fires when HandleBlocker blocks a cell; ResolveBlocker does
// not fire it.
type BlockerFunc func(cellID, reason string)

// Config configures Queen timing and platform defaults.
type Config struct {
	ProjectRoot       string
	HiveRoot          string
	MaxWorkers        int
	HeartbeatInterval time.Duration
	AgentTimeout      time.Duration

	// MaxConcurrentCells caps how many cells Dispatch will move to
	// in_progress at once, independent of how many workers are idle. The
	// DAG never enforces dag.parallel_layer_limit itself (spec Open
	// Question: "enforcement belongs to the scheduler"); this is that
	// admission control, applied at dispatch time. Zero means unbounded.
	MaxConcurrentCells int
}

// Queen is the central orchestrator composing a cellstore.Store, a
// pool.Pool and a pheromone.Bus.
type Queen struct {
	cfg      Config
	cells    *cellstore.Store
	pool     *pool.Pool
	bus      *pheromone.Bus
	breaker  *resilience.CircuitBreaker
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	dispatchLock sync.Mutex

	onCellComplete CellCompleteFunc
	onBlocker      BlockerFunc

	stopCh chan struct{}
	doneCh chan struct{}

	dispatched metric.Int64Counter
	blocked    metric.Int64Counter
}

// New wires a Queen from its three components.
func New(cfg Config, cells *cellstore.Store, workerPool *pool.Pool, bus *pheromone.Bus) *Queen {
	meter := otel.Meter("queenhive")
	dispatched, _ := meter.Int64Counter("queenhive_queen_dispatched_total")
	blocked, _ := meter.Int64Counter("queenhive_queen_blockers_total")

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 300 * time.Second
	}

	q := &Queen{
		cfg:        cfg,
		cells:      cells,
		pool:       workerPool,
		bus:        bus,
		breaker:    resilience.NewCircuitBreaker(60*time.Second, 6, 3, 0.5, 30*time.Second, 1),
		logger:     slog.Default().With("component", "queen"),
		state:      StateIdle,
		dispatched: dispatched,
		blocked:    blocked,
	}
	workerPool.OnTaskComplete(q.handleTaskComplete)
	return q
}

// OnCellComplete registers the single cell-completion callback.
func (q *Queen) OnCellComplete(fn CellCompleteFunc) { q.onCellComplete = fn }

// OnBlocker registers the single blocker callback.
func (q *Queen) OnBlocker(fn BlockerFunc) { q.onBlocker = fn }

// Start transitions the Queen to running, starts the worker pool and the
// heartbeat-coordination goroutine.
func (q *Queen) Start() {
	q.mu.Lock()
	if q.state == StateRunning {
		q.mu.Unlock()
		return
	}
	q.state = StateRunning
	q.mu.Unlock()

	q.pool.Start()
	q.updatePheromoneStatus("active")

	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	go q.heartbeatLoop()

	q.logger.Info("queen started", "max_workers", q.cfg.MaxWorkers)
}

// Shutdown satisfies registry.Component.
func (q *Queen) Shutdown() error { return q.Stop(context.Background(), 30*time.Second) }

// Stop halts the heartbeat loop and the underlying pool.
func (q *Queen) Stop(ctx context.Context, timeout time.Duration) error {
	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		return nil
	}
	q.state = StateStopped
	q.mu.Unlock()

	if q.stopCh != nil {
		close(q.stopCh)
		<-q.doneCh
	}
	err := q.pool.Stop(ctx, timeout)
	q.updatePheromoneStatus("inactive")
	q.logger.Info("queen stopped")
	return err
}

// DispatchResult summarizes one dispatch pass.
type DispatchResult struct {
	Dispatched     int      `json:"dispatched"`
	Assignments    []string `json:"assignments"`
	RemainingIdle  int      `json:"remaining_idle"`
	RemainingReady int      `json:"remaining_ready"`
}

// Dispatch pairs idle workers with ready cells, one-to-one, guarded by a
// dedicated lock so concurrent dispatch calls never double-assign.
func (q *Queen) Dispatch() (DispatchResult, error) {
	q.mu.Lock()
	running := q.state == StateRunning
	q.mu.Unlock()
	if !running {
		return DispatchResult{}, nil
	}

	q.dispatchLock.Lock()
	defer q.dispatchLock.Unlock()

	idle := q.pool.IdleWorkers()
	ready, err := q.cells.GetReadyCells()
	if err != nil {
		return DispatchResult{}, err
	}

	if q.cfg.MaxConcurrentCells > 0 {
		inProgress, err := q.cells.ListCells(cellStatusPtr(models.CellInProgress))
		if err != nil {
			return DispatchResult{}, err
		}
		room := q.cfg.MaxConcurrentCells - len(inProgress)
		if room < 0 {
			room = 0
		}
		if len(ready) > room {
			ready = ready[:room]
		}
	}

	result := DispatchResult{}
	n := len(idle)
	if len(ready) < n {
		n = len(ready)
	}
	for i := 0; i < n; i++ {
		cell := ready[i]
		task := models.WorkerTask{
			CellID:       cell.ID,
			Description:  cell.Description,
			Priority:     models.PriorityMedium,
			WorktreePath: cell.WorktreePath,
			Platform:     "claude",
			TimeoutSecs:  int(q.cfg.AgentTimeout.Seconds()),
			Inputs:       cell.Inputs,
			Outputs:      cell.Outputs,
			CreatedAt:    time.Now().UTC(),
		}
		worker, err := q.pool.AssignCell(task)
		if err != nil {
			continue
		}
		if err := q.cells.UpdateCellStatus(cell.ID, models.CellInProgress); err != nil {
			continue
		}
		_ = q.bus.UpdateWorkerStatus(pheromone.WorkerStatus{ID: worker.ID, Cell: cell.ID, Status: "busy", Progress: 0, LastUpdate: time.Now().UTC().Format(time.RFC3339)})
		result.Dispatched++
		result.Assignments = append(result.Assignments, fmt.Sprintf("%s->%s", worker.ID, cell.ID))
	}
	result.RemainingIdle = len(q.pool.IdleWorkers())
	result.RemainingReady = len(ready) - result.Dispatched
	if q.dispatched != nil {
		q.dispatched.Add(context.Background(), int64(result.Dispatched))
	}
	return result, nil
}

// RunCell assigns cellID to the next idle worker atomically and spawns its
// agent process, either synchronously or on a background goroutine.
func (q *Queen) RunCell(ctx context.Context, cellID, platform string, background bool) error {
	cell, err := q.cells.GetCell(cellID)
	if err != nil {
		return err
	}

	task := models.WorkerTask{
		CellID:       cell.ID,
		Description:  cell.Description,
		Priority:     models.PriorityMedium,
		WorktreePath: cell.WorktreePath,
		Platform:     platform,
		TimeoutSecs:  int(q.cfg.AgentTimeout.Seconds()),
		CreatedAt:    time.Now().UTC(),
	}

	q.dispatchLock.Lock()
	worker, err := q.pool.AssignCell(task)
	q.dispatchLock.Unlock()
	if err != nil {
		return err
	}
	if err := q.cells.UpdateCellStatus(cell.ID, models.CellInProgress); err != nil {
		return err
	}

	run := func() { q.executeCellTask(ctx, worker.ID, cell, platform) }
	if background {
		go run()
		return nil
	}
	run()
	return nil
}

func (q *Queen) executeCellTask(ctx context.Context, workerID string, cell models.Cell, platform string) {
	taskDir := filepath.Join(".trellis", "cells", cell.ID)
	cmdArgs, err := q.buildAgentCommand(platform, taskDir, cell.WorktreePath)
	if err != nil {
		q.logger.Error("failed to build agent command", "cell", cell.ID, "platform", platform, "error", err)
		q.pool.Release(workerID, false)
		return
	}

	workDir := cell.WorktreePath
	if workDir == "" {
		workDir = q.cfg.ProjectRoot
	}

	runCtx, cancel := context.WithTimeout(ctx, q.cfg.AgentTimeout)
	defer cancel()

	_, err = resilience.Retry(runCtx, 2, 2*time.Second, func() (struct{}, error) {
		if !q.breaker.Allow() {
			return struct{}{}, fmt.Errorf("queen: circuit open, refusing to spawn agent for %s", cell.ID)
		}
		cmd := exec.CommandContext(runCtx, cmdArgs[0], cmdArgs[1:]...)
		cmd.Dir = workDir
		procutil.SetProcAttr(cmd)
		if startErr := cmd.Start(); startErr != nil {
			q.breaker.RecordResult(false)
			return struct{}{}, startErr
		}
		handle := procutil.New(cmd)
		q.pool.BindProcess(workerID, handle)
		waitErr := cmd.Wait()
		success := waitErr == nil
		q.breaker.RecordResult(success)
		if !success {
			return struct{}{}, waitErr
		}
		return struct{}{}, nil
	})

	success := err == nil
	q.pool.Release(workerID, success)
	if success && q.onCellComplete != nil {
		q.onCellComplete(cell.ID)
	}
	if !success {
		q.logger.Warn("cell task failed", "cell", cell.ID, "worker", workerID, "error", err)
	}
}

// buildAgentCommand mirrors queen_scheduler.py._build_agent_command: writes
// the .current-task sentinel file, then returns the fixed per-platform
// argv. The prompt is identical across platforms; only the CLI invocation
// differs.
func (q *Queen) buildAgentCommand(platform, taskDir, worktreePath string) ([]string, error) {
	workDir := worktreePath
	if workDir == "" {
		workDir = q.cfg.ProjectRoot
	}
	sentinelDir := filepath.Join(workDir, ".trellis")
	if err := os.MkdirAll(sentinelDir, 0o755); err != nil {
		return nil, fmt.Errorf("queen: mkdir sentinel dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sentinelDir, ".current-task"), []byte(taskDir), 0o644); err != nil {
		return nil, fmt.Errorf("queen: write sentinel file: %w", err)
	}

	const prompt = "Follow your agent instructions to execute the task workflow."
	switch platform {
	case "claude":
		return []string{"claude", "--dangerously-skip-permissions", "--verbose", "--print", prompt}, nil
	case "opencode":
		return []string{"opencode", "--non-interactive", "--json", prompt}, nil
	case "cursor":
		return []string{"cursor-agent", "--yes", prompt}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
}

// handleTaskComplete is the pool's task-complete callback: it writes the
// terminal cell status and updates the pheromone worker-status entry.
func (q *Queen) handleTaskComplete(cellID string, success bool) {
	if cellID == "" {
		return
	}
	status := models.CellCompleted
	progress := 100
	if !success {
		status = models.CellFailed
		progress = 0
	}
	_ = q.cells.UpdateCellStatus(cellID, status)
	_ = q.bus.UpdateWorkerStatus(pheromone.WorkerStatus{ID: "", Cell: cellID, Status: "idle", Progress: progress, LastUpdate: time.Now().UTC().Format(time.RFC3339)})
}

// HandleBlocker marks cellID blocked and emits a blocker pheromone. The
// state of the worker assigned to the cell (if any) is left unchanged.
func (q *Queen) HandleBlocker(cellID, reason string) error {
	if _, err := q.cells.GetCell(cellID); err != nil {
		return err
	}
	if err := q.cells.UpdateCellStatus(cellID, models.CellBlocked); err != nil {
		return err
	}
	if _, err := q.bus.EmitBlocker(cellID, reason, "queen"); err != nil {
		return err
	}
	if q.blocked != nil {
		q.blocked.Add(context.Background(), 1)
	}
	if q.onBlocker != nil {
		q.onBlocker(cellID, reason)
	}
	return nil
}

// ResolveBlocker returns a blocked cell to pending and resolves its
// pheromone blocker entry.
func (q *Queen) ResolveBlocker(cellID string) error {
	cell, err := q.cells.GetCell(cellID)
	if err != nil {
		return err
	}
	if cell.Status != models.CellBlocked {
		return fmt.Errorf("queen: cell %s is not blocked", cellID)
	}
	if err := q.cells.UpdateCellStatus(cellID, models.CellPending); err != nil {
		return err
	}
	return q.bus.ResolveBlocker(cellID, "queen")
}

// Stats is the scheduler-level progress snapshot, mirroring
// queen_scheduler.py's SchedulerStats.
type Stats struct {
	TotalCells     int `json:"total_cells"`
	CompletedCells int `json:"completed_cells"`
	PendingCells   int `json:"pending_cells"`
	BlockedCells   int `json:"blocked_cells"`
	ActiveWorkers  int `json:"active_workers"`
	IdleWorkers    int `json:"idle_workers"`
}

// MonitorProgress aggregates cell and worker counts into a Stats snapshot.
func (q *Queen) MonitorProgress() (Stats, error) {
	cells, err := q.cells.ListCells(nil)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	stats.TotalCells = len(cells)
	for _, c := range cells {
		switch c.Status {
		case models.CellCompleted:
			stats.CompletedCells++
		case models.CellPending:
			stats.PendingCells++
		case models.CellBlocked:
			stats.BlockedCells++
		}
	}
	stats.ActiveWorkers = len(q.pool.BusyWorkers())
	stats.IdleWorkers = len(q.pool.IdleWorkers())
	return stats, nil
}

func (q *Queen) heartbeatLoop() {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.checkWorkerHeartbeats()
			q.syncPheromone()
		}
	}
}

func (q *Queen) checkWorkerHeartbeats() {
	now := time.Now().UTC()
	timedOut := q.pool.MonitorHeartbeat(now)
	for _, worker := range timedOut {
		// Append-only postmortem record of the timeout.
		if line, err := json.Marshal(map[string]any{"event": "worker_timeout", "worker_id": worker.ID, "cell_id": worker.CellID, "timestamp": now.Format(time.RFC3339)}); err == nil {
			if f, err := os.OpenFile(filepath.Join(q.cfg.HiveRoot, "heartbeat_events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				_, _ = f.Write(append(line, '\n'))
				_ = f.Close()
			}
		}
		if worker.CellID != "" {
			_ = q.HandleBlocker(worker.CellID, fmt.Sprintf("worker_timeout: %s", worker.ID))
		}
	}
}

// syncPheromone is the corrected, merge-only form of
// coordinate_pheromone_sync: it replaces only the workers, queen and status
// fields of the shared document rather than overwriting the whole thing (see DESIGN.md:
// the original clobbers drones/pheromones/blockers on every heartbeat).
func (q *Queen) syncPheromone() {
	idle := q.pool.IdleWorkers()
	busy := q.pool.BusyWorkers()
	statuses := make([]pheromone.WorkerStatus, 0, len(idle)+len(busy))
	now := time.Now().UTC().Format(time.RFC3339)
	for _, w := range idle {
		statuses = append(statuses, pheromone.WorkerStatus{ID: w.ID, Status: string(w.State), LastUpdate: now})
	}
	for _, w := range busy {
		statuses = append(statuses, pheromone.WorkerStatus{ID: w.ID, Cell: w.CellID, Status: string(w.State), Progress: w.Progress, LastUpdate: now})
	}
	if err := q.bus.SyncWorkers(statuses, string(q.currentState())); err != nil {
		q.logger.Warn("pheromone sync failed", "error", err)
	}
}

func (q *Queen) currentState() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queen) updatePheromoneStatus(status string) {
	doc, err := q.bus.Read()
	if err != nil {
		return
	}
	doc.Status = status
	_ = q.bus.Write(doc)
}

func cellStatusPtr(s models.CellStatus) *models.CellStatus { return &s }
