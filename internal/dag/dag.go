// Package dag implements the Cell DAG: dependency graph construction,
// cycle detection, topological ordering, parallel-layer leveling and
// critical-path analysis over a set of Cells, per spec.md 4.2.
package dag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-hive/queenhive/internal/models"
)

// DefaultEstimatedDuration is used for any cell whose declared duration is
// zero or negative, so critical-path analysis is never degenerate.
const DefaultEstimatedDuration = 60 // seconds

// ErrCellNotFound is returned by operations referencing an unknown cell id.
var ErrCellNotFound = errors.New("dag: cell not found")

// ErrDuplicateCell is returned by AddCell when the id is already present.
var ErrDuplicateCell = errors.New("dag: cell already exists")

// CycleError carries the offending dependency cycle, in traversal order.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	path := ""
	for i, id := range e.Cycle {
		if i > 0 {
			path += " -> "
		}
		path += id
	}
	return fmt.Sprintf("dag: cycle detected: %s", path)
}

// Stats summarizes the current graph, mirroring cell_dag.py's DAGStats.
type Stats struct {
	TotalCells         int `json:"total_cells"`
	PendingCells       int `json:"pending_cells"`
	ReadyCells         int `json:"ready_cells"`
	RunningCells       int `json:"running_cells"`
	CompletedCells     int `json:"completed_cells"`
	FailedCells        int `json:"failed_cells"`
	BlockedCells       int `json:"blocked_cells"`
	ParallelLayers     int `json:"parallel_layers"`
	CriticalPathLength int `json:"critical_path_length"`
	MaxWidth           int `json:"max_width"`
}

// DAG is a directed acyclic graph over Cells, tracking live execution state
// alongside the static dependency structure. All exported methods are safe
// for concurrent use; the Queen Scheduler and any CLI inspection command may
// call into the same DAG instance from different goroutines.
type DAG struct {
	mu sync.RWMutex

	nodes map[string]*models.CellNode

	completedIDs map[string]bool
	runningIDs   map[string]bool
	failedIDs    map[string]bool

	topoOrder []string
	layers    [][]string
	dirty     bool

	mutations metric.Int64Counter
}

// New returns an empty DAG.
func New() *DAG {
	meter := otel.Meter("queenhive")
	mutations, _ := meter.Int64Counter("queenhive_dag_mutations_total")
	return &DAG{
		nodes:        make(map[string]*models.CellNode),
		completedIDs: make(map[string]bool),
		runningIDs:   make(map[string]bool),
		failedIDs:    make(map[string]bool),
		dirty:        true,
		mutations:    mutations,
	}
}

func (d *DAG) invalidate() {
	d.topoOrder = nil
	d.layers = nil
	d.dirty = true
}

func (d *DAG) countMutation(ctx context.Context) {
	if d.mutations != nil {
		d.mutations.Add(ctx, 1)
	}
}

// AddCell inserts a new node and wires dependent/dependency back-references
// in both directions, including repairing forward references from nodes
// added before this one.
func (d *DAG) AddCell(cellID string, dependencies []string, priority int, estimatedDuration int) (*models.CellNode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nodes[cellID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCell, cellID)
	}
	if estimatedDuration <= 0 {
		estimatedDuration = DefaultEstimatedDuration
	}

	deps := append([]string(nil), dependencies...)
	node := &models.CellNode{
		ID:                cellID,
		Dependencies:      deps,
		Dependents:        nil,
		State:             models.StatePending,
		Priority:          priority,
		EstimatedDuration: estimatedDuration,
	}
	d.nodes[cellID] = node

	for _, depID := range deps {
		if dep, ok := d.nodes[depID]; ok {
			dep.Dependents = append(dep.Dependents, cellID)
		}
	}
	for existingID, existing := range d.nodes {
		if existingID == cellID {
			continue
		}
		for _, depID := range existing.Dependencies {
			if depID == cellID {
				node.Dependents = append(node.Dependents, existingID)
			}
		}
	}

	d.invalidate()
	d.countMutation(context.Background())
	return node, nil
}

// RemoveCell deletes a node and unlinks it from every neighbor's
// dependency/dependent list. Reports false if the cell did not exist.
func (d *DAG) RemoveCell(cellID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[cellID]
	if !ok {
		return false
	}
	for _, depID := range node.Dependencies {
		if dep, ok := d.nodes[depID]; ok {
			dep.Dependents = removeString(dep.Dependents, cellID)
		}
	}
	for _, dependentID := range node.Dependents {
		if dependent, ok := d.nodes[dependentID]; ok {
			dependent.Dependencies = removeString(dependent.Dependencies, cellID)
		}
	}
	delete(d.nodes, cellID)
	d.invalidate()
	d.countMutation(context.Background())
	return true
}

// UpdateDependencies replaces a cell's dependency list, rewiring dependents
// on both the old and new dependency sets.
func (d *DAG) UpdateDependencies(cellID string, dependencies []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[cellID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
	}

	for _, depID := range node.Dependencies {
		if dep, ok := d.nodes[depID]; ok {
			dep.Dependents = removeString(dep.Dependents, cellID)
		}
	}

	node.Dependencies = append([]string(nil), dependencies...)

	for _, depID := range node.Dependencies {
		if dep, ok := d.nodes[depID]; ok {
			dep.Dependents = append(dep.Dependents, cellID)
		}
	}

	d.invalidate()
	d.countMutation(context.Background())
	return nil
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// DetectCycle runs DFS white/gray/black coloring over dependency edges and
// returns the cycle path if one exists.
func (d *DAG) DetectCycle() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.detectCycleLocked()
}

func (d *DAG) detectCycleLocked() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visited[id] = true
		recStack[id] = true

		node, ok := d.nodes[id]
		if ok {
			for _, depID := range node.Dependencies {
				if !visited[depID] {
					parent[depID] = id
					if cycle := dfs(depID); cycle != nil {
						return cycle
					}
				} else if recStack[depID] {
					cycle := []string{depID}
					current := id
					for current != depID {
						cycle = append(cycle, current)
						next, ok := parent[current]
						if !ok {
							break
						}
						current = next
					}
					cycle = append(cycle, depID)
					reverse(cycle)
					return cycle
				}
			}
		}
		recStack[id] = false
		return nil
	}

	for id := range d.nodes {
		if !visited[id] {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// TopologicalSort returns cell ids in dependency order, re-sorting the ready
// queue by descending priority at each step for determinism. The result is
// cached until the next mutation.
func (d *DAG) TopologicalSort() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.topoOrder != nil {
		return d.topoOrder, nil
	}
	if cycle := d.detectCycleLocked(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	inDegree := make(map[string]int, len(d.nodes))
	for id, node := range d.nodes {
		inDegree[id] = len(node.Dependencies)
	}

	var queue []string
	for id, node := range d.nodes {
		if len(node.Dependencies) == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		sort.Slice(queue, func(i, j int) bool {
			return d.nodes[queue[i]].Priority > d.nodes[queue[j]].Priority
		})
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		for _, dependentID := range d.nodes[id].Dependents {
			inDegree[dependentID]--
			if inDegree[dependentID] == 0 {
				queue = append(queue, dependentID)
			}
		}
	}

	d.topoOrder = result
	return result, nil
}

// GetParallelLayers groups cells into BFS-assigned levels: cells in the same
// layer have no dependency relationship between them and may execute
// concurrently. Cached until the next mutation.
func (d *DAG) GetParallelLayers() ([][]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.layers != nil {
		return d.layers, nil
	}
	if cycle := d.detectCycleLocked(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	levels := make(map[string]int)
	var queue []string
	for id, node := range d.nodes {
		if len(node.Dependencies) == 0 {
			levels[id] = 0
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dependentID := range d.nodes[id].Dependents {
			currentLevel, ok := levels[dependentID]
			if !ok {
				currentLevel = -1
			}
			newLevel := levels[id] + 1
			if newLevel > currentLevel {
				levels[dependentID] = newLevel
				queue = append(queue, dependentID)
			}
		}
	}

	maxLevel := 0
	for _, level := range levels {
		if level > maxLevel {
			maxLevel = level
		}
	}
	layers := make([][]string, maxLevel+1)
	for id, level := range levels {
		layers[level] = append(layers[level], id)
		d.nodes[id].Level = level
	}
	for _, layer := range layers {
		sort.Slice(layer, func(i, j int) bool {
			return d.nodes[layer[i]].Priority > d.nodes[layer[j]].Priority
		})
	}

	d.layers = layers
	return layers, nil
}

// GetCriticalPath returns the longest path through the graph by cumulative
// estimated duration, computed via topological-order dynamic programming.
func (d *DAG) GetCriticalPath() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.nodes) == 0 {
		return nil, nil
	}
	if cycle := d.detectCycleLocked(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	order, err := d.topologicalSortLocked()
	if err != nil {
		return nil, err
	}

	dist := make(map[string]int, len(d.nodes))
	pred := make(map[string]string, len(d.nodes))
	hasPred := make(map[string]bool, len(d.nodes))

	for _, id := range order {
		node := d.nodes[id]
		duration := node.EstimatedDuration
		if duration <= 0 {
			duration = DefaultEstimatedDuration
		}
		for _, depID := range node.Dependencies {
			if dist[depID]+duration > dist[id] {
				dist[id] = dist[depID] + duration
				pred[id] = depID
				hasPred[id] = true
			}
		}
	}

	endNode := order[0]
	for _, id := range order {
		if dist[id] > dist[endNode] {
			endNode = id
		}
	}

	var path []string
	current := endNode
	for {
		path = append(path, current)
		if !hasPred[current] {
			break
		}
		current = pred[current]
	}
	reverse(path)
	return path, nil
}

// topologicalSortLocked assumes d.mu is already held for writing.
func (d *DAG) topologicalSortLocked() ([]string, error) {
	if d.topoOrder != nil {
		return d.topoOrder, nil
	}
	inDegree := make(map[string]int, len(d.nodes))
	for id, node := range d.nodes {
		inDegree[id] = len(node.Dependencies)
	}
	var queue []string
	for id, node := range d.nodes {
		if len(node.Dependencies) == 0 {
			queue = append(queue, id)
		}
	}
	var result []string
	for len(queue) > 0 {
		sort.Slice(queue, func(i, j int) bool {
			return d.nodes[queue[i]].Priority > d.nodes[queue[j]].Priority
		})
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, dependentID := range d.nodes[id].Dependents {
			inDegree[dependentID]--
			if inDegree[dependentID] == 0 {
				queue = append(queue, dependentID)
			}
		}
	}
	d.topoOrder = result
	return result, nil
}

// GetReadyCells returns pending cells whose dependencies are all completed
// and which are not currently running, sorted by descending priority.
func (d *DAG) GetReadyCells() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []string
	for id, node := range d.nodes {
		if node.State != models.StatePending {
			continue
		}
		if d.runningIDs[id] {
			continue
		}
		allDepsCompleted := true
		for _, depID := range node.Dependencies {
			if !d.completedIDs[depID] {
				allDepsCompleted = false
				break
			}
		}
		if allDepsCompleted {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return d.nodes[ready[i]].Priority > d.nodes[ready[j]].Priority
	})
	return ready
}

// MarkRunning transitions a pending cell to running. Returns false if the
// cell is unknown or not in the pending state.
func (d *DAG) MarkRunning(cellID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[cellID]
	if !ok || node.State != models.StatePending {
		return false
	}
	now := time.Now().UTC()
	node.State = models.StateRunning
	node.StartedAt = &now
	d.runningIDs[cellID] = true
	return true
}

// MarkCompleted transitions a cell to completed, clearing its running flag.
func (d *DAG) MarkCompleted(cellID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[cellID]
	if !ok {
		return false
	}
	now := time.Now().UTC()
	node.State = models.StateCompleted
	node.CompletedAt = &now
	delete(d.runningIDs, cellID)
	d.completedIDs[cellID] = true
	return true
}

// MarkFailed transitions a cell to failed and propagates a blocked state to
// every pending dependent reachable from it (BFS over the dependents edge).
func (d *DAG) MarkFailed(cellID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[cellID]
	if !ok {
		return false
	}
	node.State = models.StateFailed
	delete(d.runningIDs, cellID)
	d.failedIDs[cellID] = true

	d.propagateBlock(cellID)
	return true
}

func (d *DAG) propagateBlock(cellID string) {
	queue := []string{cellID}
	visited := make(map[string]bool)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		node, ok := d.nodes[current]
		if !ok {
			continue
		}
		for _, dependentID := range node.Dependents {
			dependent, ok := d.nodes[dependentID]
			if ok && dependent.State == models.StatePending {
				dependent.State = models.StateBlocked
				queue = append(queue, dependentID)
			}
		}
	}
}

// ResetCell returns a cell to pending state, clearing its timestamps and
// tracking-set membership. It does not un-block dependents that were
// previously blocked by a sibling failure — a separate failure resolution
// must re-evaluate those explicitly.
func (d *DAG) ResetCell(cellID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[cellID]
	if !ok {
		return false
	}
	node.State = models.StatePending
	node.StartedAt = nil
	node.CompletedAt = nil

	delete(d.runningIDs, cellID)
	delete(d.completedIDs, cellID)
	delete(d.failedIDs, cellID)
	return true
}

// Node returns a copy of the node for cellID.
func (d *DAG) Node(cellID string) (models.CellNode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[cellID]
	if !ok {
		return models.CellNode{}, false
	}
	return *node, true
}

// Stats computes the current DAGStats snapshot.
func (d *DAG) Stats() (Stats, error) {
	layers, err := d.GetParallelLayers()
	if err != nil {
		return Stats{}, err
	}
	criticalPath, err := d.GetCriticalPath()
	if err != nil {
		return Stats{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var stats Stats
	stats.TotalCells = len(d.nodes)
	stats.ReadyCells = len(d.readyCellsLocked())
	for _, node := range d.nodes {
		switch node.State {
		case models.StatePending:
			stats.PendingCells++
		case models.StateRunning:
			stats.RunningCells++
		case models.StateCompleted:
			stats.CompletedCells++
		case models.StateFailed:
			stats.FailedCells++
		case models.StateBlocked:
			stats.BlockedCells++
		}
	}
	stats.ParallelLayers = len(layers)
	stats.CriticalPathLength = len(criticalPath)
	for _, layer := range layers {
		if len(layer) > stats.MaxWidth {
			stats.MaxWidth = len(layer)
		}
	}
	return stats, nil
}

func (d *DAG) readyCellsLocked() []string {
	var ready []string
	for id, node := range d.nodes {
		if node.State != models.StatePending || d.runningIDs[id] {
			continue
		}
		ok := true
		for _, depID := range node.Dependencies {
			if !d.completedIDs[depID] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// snapshot is the JSON serialization shape, mirroring cell_dag.py's to_dict.
type snapshot struct {
	Nodes        map[string]nodeSnapshot `json:"nodes"`
	CompletedIDs []string                `json:"completed_ids"`
	RunningIDs   []string                `json:"running_ids"`
	FailedIDs    []string                `json:"failed_ids"`
}

type nodeSnapshot struct {
	Dependencies      []string   `json:"dependencies"`
	State             string     `json:"state"`
	Priority          int        `json:"priority"`
	EstimatedDuration int        `json:"estimated_duration"`
	Level             int        `json:"level"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
}

// ToDict returns the serialization snapshot (exported for callers that want
// the structure without going through JSON, e.g. tests).
func (d *DAG) ToDict() snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := snapshot{Nodes: make(map[string]nodeSnapshot, len(d.nodes))}
	for id, node := range d.nodes {
		out.Nodes[id] = nodeSnapshot{
			Dependencies:      node.Dependencies,
			State:             string(node.State),
			Priority:          node.Priority,
			EstimatedDuration: node.EstimatedDuration,
			Level:             node.Level,
			StartedAt:         node.StartedAt,
			CompletedAt:       node.CompletedAt,
		}
	}
	for id := range d.completedIDs {
		out.CompletedIDs = append(out.CompletedIDs, id)
	}
	for id := range d.runningIDs {
		out.RunningIDs = append(out.RunningIDs, id)
	}
	for id := range d.failedIDs {
		out.FailedIDs = append(out.FailedIDs, id)
	}
	return out
}

// FromDict rebuilds a DAG from a previously serialized snapshot.
func FromDict(data []byte) (*DAG, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("dag: unmarshal snapshot: %w", err)
	}

	d := New()
	for id, ns := range snap.Nodes {
		if _, err := d.AddCell(id, ns.Dependencies, ns.Priority, ns.EstimatedDuration); err != nil {
			return nil, err
		}
		node := d.nodes[id]
		node.State = models.CellState(ns.State)
		node.Level = ns.Level
		node.StartedAt = ns.StartedAt
		node.CompletedAt = ns.CompletedAt
	}
	for _, id := range snap.CompletedIDs {
		d.completedIDs[id] = true
	}
	for _, id := range snap.RunningIDs {
		d.runningIDs[id] = true
	}
	for _, id := range snap.FailedIDs {
		d.failedIDs[id] = true
	}
	return d, nil
}

// Save writes the DAG's snapshot atomically (temp file + rename) to path.
func (d *DAG) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dag: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(d.ToDict(), "", "  ")
	if err != nil {
		return fmt.Errorf("dag: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("dag: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("dag: rename: %w", err)
	}
	return nil
}

// Load reads a DAG snapshot from path, returning a fresh empty DAG if the
// file does not exist.
func Load(path string) (*DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("dag: read: %w", err)
	}
	return FromDict(data)
}
