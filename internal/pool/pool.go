// Package pool implements the Worker Pool: dynamic worker management, a
// three-band priority task queue, heartbeat monitoring, task stealing and
// process teardown, per spec.md 4.2, grounded on worker_pool.py.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-hive/queenhive/internal/models"
	"github.com/trellis-hive/queenhive/internal/procutil"
)

// ErrNoIdleWorker is returned by AssignCell when the pool is at max capacity
// and every worker is busy.
type ErrNoIdleWorker struct{}

func (ErrNoIdleWorker) Error() string { return "pool: no idle worker available" }

// TaskQueue is a three-band FIFO priority queue over WorkerTasks.
type TaskQueue struct {
	mu    sync.Mutex
	bands map[models.TaskPriority][]models.WorkerTask
}

// NewTaskQueue returns an empty queue with the three priority bands primed.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		bands: map[models.TaskPriority][]models.WorkerTask{
			models.PriorityHigh:   nil,
			models.PriorityMedium: nil,
			models.PriorityLow:    nil,
		},
	}
}

// Put appends task to its priority band.
func (q *TaskQueue) Put(task models.WorkerTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bands[task.Priority] = append(q.bands[task.Priority], task)
}

// Get pops the oldest task from the highest non-empty priority band.
func (q *TaskQueue) Get() (models.WorkerTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, priority := range []models.TaskPriority{models.PriorityHigh, models.PriorityMedium, models.PriorityLow} {
		band := q.bands[priority]
		if len(band) > 0 {
			task := band[0]
			q.bands[priority] = band[1:]
			return task, true
		}
	}
	return models.WorkerTask{}, false
}

// Size returns the total number of queued tasks across all bands.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, band := range q.bands {
		total += len(band)
	}
	return total
}

// Stats is a snapshot of pool composition and throughput, mirroring
// worker_pool.py's PoolStats.
type Stats struct {
	TotalWorkers   int `json:"total_workers"`
	IdleWorkers    int `json:"idle_workers"`
	BusyWorkers    int `json:"busy_workers"`
	BlockedWorkers int `json:"blocked_workers"`
	ErrorWorkers   int `json:"error_workers"`
	PendingTasks   int `json:"pending_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

// TaskCompleteFunc is invoked after a worker's task completes or fails,
// receiving the cell id that was bound at completion time.
type TaskCompleteFunc func(cellID string, success bool)

// WorkerErrorFunc is invoked when a worker's heartbeat times out.
type WorkerErrorFunc func(workerID string, err error)

// Pool is a dynamically-sized set of Workers executing WorkerTasks, with
// heartbeat monitoring and load-balancing task stealing running on a
// background goroutine started by Start and stopped by Stop.
type Pool struct {
	maxWorkers int
	minWorkers int
	heartbeatTimeout time.Duration
	heartbeatInterval time.Duration
	taskStealingEnabled bool

	mu            sync.Mutex
	workers       map[string]*models.Worker
	handles       map[string]*procutil.Handle
	workerCounter int
	queue         *TaskQueue

	onTaskComplete TaskCompleteFunc
	onWorkerError  WorkerErrorFunc

	stopCh chan struct{}
	doneCh chan struct{}

	spawned   metric.Int64Counter
	assigned  metric.Int64Counter
	released  metric.Int64Counter
	timeouts  metric.Int64Counter
	stolen    metric.Int64Counter
}

// Config configures pool sizing and background-monitor behavior.
type Config struct {
	MaxWorkers          int
	MinWorkers          int
	HeartbeatTimeout    time.Duration
	HeartbeatInterval   time.Duration
	TaskStealingEnabled bool
}

// New constructs a Pool that has not yet spawned any workers; call Start to
// bring it up to MinWorkers and begin background monitoring.
func New(cfg Config) *Pool {
	meter := otel.Meter("queenhive")
	spawned, _ := meter.Int64Counter("queenhive_pool_workers_spawned_total")
	assigned, _ := meter.Int64Counter("queenhive_pool_tasks_assigned_total")
	released, _ := meter.Int64Counter("queenhive_pool_tasks_released_total")
	timeouts, _ := meter.Int64Counter("queenhive_pool_heartbeat_timeouts_total")
	stolen, _ := meter.Int64Counter("queenhive_pool_tasks_stolen_total")

	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 300 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	return &Pool{
		maxWorkers:          cfg.MaxWorkers,
		minWorkers:          cfg.MinWorkers,
		heartbeatTimeout:    cfg.HeartbeatTimeout,
		heartbeatInterval:   cfg.HeartbeatInterval,
		taskStealingEnabled: cfg.TaskStealingEnabled,
		workers:             make(map[string]*models.Worker),
		handles:             make(map[string]*procutil.Handle),
		queue:               NewTaskQueue(),
		spawned:             spawned,
		assigned:            assigned,
		released:            released,
		timeouts:            timeouts,
		stolen:              stolen,
	}
}

// OnTaskComplete registers the single task-completion callback.
func (p *Pool) OnTaskComplete(fn TaskCompleteFunc) { p.onTaskComplete = fn }

// OnWorkerError registers the single worker-error callback.
func (p *Pool) OnWorkerError(fn WorkerErrorFunc) { p.onWorkerError = fn }

// Start spawns MinWorkers idle workers and begins the background monitor
// loop (heartbeat check, stopped-worker cleanup, task stealing).
func (p *Pool) Start() {
	p.mu.Lock()
	for i := 0; i < p.minWorkers; i++ {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.monitorLoop()
}

func (p *Pool) spawnWorkerLocked() *models.Worker {
	p.workerCounter++
	id := fmt.Sprintf("worker-%d", p.workerCounter)
	now := time.Now().UTC()
	worker := &models.Worker{ID: id, State: models.WorkerIdle}
	worker.UpdateHeartbeat(now)
	p.workers[id] = worker
	if p.spawned != nil {
		p.spawned.Add(context.Background(), 1)
	}
	return worker
}

// Shutdown satisfies registry.Component: stops the monitor loop and tears
// down every worker process gracefully, force-killing after the deadline.
func (p *Pool) Shutdown() error { return p.Stop(context.Background(), 30*time.Second) }

// Stop signals the monitor loop to exit and tears down all worker
// processes: graceful terminate with a deadline, then kill(tree) on any
// stragglers.
func (p *Pool) Stop(ctx context.Context, timeout time.Duration) error {
	if p.stopCh != nil {
		close(p.stopCh)
		<-p.doneCh
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := timeout / 2
	for id, worker := range p.workers {
		if handle, ok := p.handles[id]; ok {
			if err := handle.Terminate(ctx, deadline); err != nil {
				_ = handle.Kill()
			}
			delete(p.handles, id)
		}
		worker.State = models.WorkerStopped
	}
	return nil
}

// GetWorker returns a copy of a worker's current state.
func (p *Pool) GetWorker(id string) (models.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	return *w, true
}

// IdleWorkers returns copies of all idle workers.
func (p *Pool) IdleWorkers() []models.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filterLocked(func(w *models.Worker) bool { return w.IsIdle() })
}

// BusyWorkers returns copies of all busy workers.
func (p *Pool) BusyWorkers() []models.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filterLocked(func(w *models.Worker) bool { return w.IsBusy() })
}

func (p *Pool) filterLocked(pred func(*models.Worker) bool) []models.Worker {
	var out []models.Worker
	for _, w := range p.workers {
		if pred(w) {
			out = append(out, *w)
		}
	}
	return out
}

// AssignCell assigns task to an idle worker, spawning a new one if under
// MaxWorkers and none are idle. Returns ErrNoIdleWorker if the pool is
// saturated.
func (p *Pool) AssignCell(task models.WorkerTask) (models.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var worker *models.Worker
	for _, w := range p.workers {
		if w.IsIdle() {
			worker = w
			break
		}
	}
	if worker == nil {
		if len(p.workers) < p.maxWorkers {
			worker = p.spawnWorkerLocked()
		} else {
			return models.Worker{}, ErrNoIdleWorker{}
		}
	}

	now := time.Now().UTC()
	worker.AssignTask(&task, now)
	worker.WorktreePath = task.WorktreePath
	if p.assigned != nil {
		p.assigned.Add(context.Background(), 1)
	}
	return *worker, nil
}

// BindProcess associates a spawned agent process handle with a worker, so
// Stop/Shutdown can terminate it.
func (p *Pool) BindProcess(workerID string, handle *procutil.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[workerID] = handle
}

// Submit assigns task to an idle worker or, if none available, enqueues it
// and (when wait is true) polls for up to 60s for an opening.
func (p *Pool) Submit(ctx context.Context, task models.WorkerTask, wait bool) (models.Worker, bool) {
	worker, err := p.AssignCell(task)
	if err == nil {
		return worker, true
	}

	p.queue.Put(task)
	if !wait {
		return models.Worker{}, false
	}

	deadline := time.Now().Add(60 * time.Second)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return models.Worker{}, false
		case <-ticker.C:
			if w, err := p.AssignCell(task); err == nil {
				return w, true
			}
		}
	}
	return models.Worker{}, false
}

// Release returns a worker to idle after its task finishes, records
// completed/failed counters, invokes the task-complete callback with the
// cell id that was bound at completion (captured before the binding is
// cleared — see models.Worker.CompleteTask), and pulls the next queued task
// onto this or any now-idle worker.
func (p *Pool) Release(workerID string, success bool) {
	p.mu.Lock()
	worker, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	completedCellID := worker.CompleteTask(success)
	worker.WorktreePath = ""
	worker.UpdateHeartbeat(time.Now().UTC())
	delete(p.handles, workerID)
	p.mu.Unlock()

	if p.released != nil {
		p.released.Add(context.Background(), 1)
	}
	if p.onTaskComplete != nil {
		taskID := completedCellID
		if taskID == "" {
			taskID = workerID
		}
		p.onTaskComplete(taskID, success)
	}

	if pending, ok := p.queue.Get(); ok {
		_, _ = p.AssignCell(pending)
	}
}

// MonitorHeartbeat scans busy workers for heartbeat staleness, transitions
// timed-out ones to WorkerTimeout, and invokes the worker-error callback.
func (p *Pool) MonitorHeartbeat(now time.Time) []models.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	var timedOut []models.Worker
	for _, worker := range p.workers {
		if worker.LastHeartbeat == nil || worker.State != models.WorkerBusy {
			continue
		}
		if now.Sub(*worker.LastHeartbeat) > p.heartbeatTimeout {
			worker.State = models.WorkerTimeout
			timedOut = append(timedOut, *worker)
			if p.timeouts != nil {
				p.timeouts.Add(context.Background(), 1)
			}
			if p.onWorkerError != nil {
				p.onWorkerError(worker.ID, fmt.Errorf("pool: worker %s heartbeat timeout", worker.ID))
			}
		}
	}
	return timedOut
}

func (p *Pool) cleanupStoppedWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		if w.State == models.WorkerStopped && len(p.workers) > p.minWorkers {
			delete(p.workers, id)
		}
	}
}

// TaskStealing reassigns queued tasks onto idle workers, returning the
// number reassigned.
func (p *Pool) TaskStealing() int {
	reassigned := 0
	for p.queue.Size() > 0 {
		idle := p.IdleWorkers()
		if len(idle) == 0 {
			break
		}
		task, ok := p.queue.Get()
		if !ok {
			break
		}
		if _, err := p.AssignCell(task); err == nil {
			reassigned++
			if p.stolen != nil {
				p.stolen.Add(context.Background(), 1)
			}
		}
	}
	return reassigned
}

func (p *Pool) monitorLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.MonitorHeartbeat(time.Now().UTC())
			p.cleanupStoppedWorkers()
			if p.taskStealingEnabled {
				p.TaskStealing()
			}
		}
	}
}

// Stats returns a point-in-time snapshot of pool composition and throughput.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	s.TotalWorkers = len(p.workers)
	s.PendingTasks = p.queue.Size()
	for _, w := range p.workers {
		switch w.State {
		case models.WorkerIdle:
			s.IdleWorkers++
		case models.WorkerBusy:
			s.BusyWorkers++
		case models.WorkerBlocked:
			s.BlockedWorkers++
		case models.WorkerError:
			s.ErrorWorkers++
		}
		s.CompletedTasks += w.CompletedTasks
		s.FailedTasks += w.FailedTasks
	}
	return s
}
