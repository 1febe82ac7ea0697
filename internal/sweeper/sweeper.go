// Package sweeper runs the hive's periodic background jobs — pheromone
// decay, a DAG stats tick and completed-cell cleanup — on a cron
// schedule instead of the ad hoc polling loops each component used to run
// on its own.
//
// Grounded on the teacher repo's services/orchestrator/scheduler.go Scheduler: a
// robfig/cron/v3 instance with seconds precision, one registered job per
// concern, and otel counters for successful/failed runs.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-hive/queenhive/internal/cellstore"
	"github.com/trellis-hive/queenhive/internal/dag"
	"github.com/trellis-hive/queenhive/internal/pheromone"
)

// Sweeper owns a cron.Cron running the hive's maintenance jobs.
type Sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger

	runs metric.Int64Counter
	fails metric.Int64Counter
}

// Config selects which jobs to run and on what schedule. A zero-value
// Expr field disables that job, matching the original's "either cron_expr
// or event_type must be specified" gate by simply omitting the AddFunc call.
type Config struct {
	DecayExpr     string // pheromone TTL decay sweep, e.g. "0 */1 * * * *"
	HeartbeatExpr string // DAG stats tick (d.Stats()); no worker heartbeat is checked
	ArchiveExpr   string // removal of completed cells older than ArchiveMaxAge (not moved to the archive)
	ArchiveMaxAge time.Duration
}

// DefaultConfig returns the built-in schedule: decay every minute, DAG stats
// every 30s, completed-cell cleanup hourly with a 24h age cutoff.
func DefaultConfig() Config {
	return Config{
		DecayExpr:     "0 * * * * *",
		HeartbeatExpr: "*/30 * * * * *",
		ArchiveExpr:   "0 0 * * * *",
		ArchiveMaxAge: 24 * time.Hour,
	}
}

// New builds a Sweeper wired to the bus, DAG and cell store it maintains.
// Worker heartbeats are not checked here; the Queen's own heartbeat loop
// does that.
func New(cfg Config, bus *pheromone.Bus, d *dag.DAG, cells *cellstore.Store, logger *slog.Logger) (*Sweeper, error) {
	meter := otel.Meter("queenhive")
	runs, _ := meter.Int64Counter("queenhive_sweeper_runs_total")
	fails, _ := meter.Int64Counter("queenhive_sweeper_failures_total")

	s := &Sweeper{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		runs:   runs,
		fails:  fails,
	}

	if cfg.DecayExpr != "" {
		if _, err := s.cron.AddFunc(cfg.DecayExpr, func() { s.runJob("decay", func() error {
			return bus.Decay(time.Now())
		}) }); err != nil {
			return nil, fmt.Errorf("sweeper: add decay job: %w", err)
		}
	}

	if cfg.ArchiveExpr != "" {
		if _, err := s.cron.AddFunc(cfg.ArchiveExpr, func() { s.runJob("archive", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			n, err := cells.CleanupCompletedCells(ctx, cfg.ArchiveMaxAge)
			if err == nil {
				s.logger.Info("archive sweep complete", "cleaned", n)
			}
			return err
		}) }); err != nil {
			return nil, fmt.Errorf("sweeper: add archive job: %w", err)
		}
	}

	if cfg.HeartbeatExpr != "" {
		if _, err := s.cron.AddFunc(cfg.HeartbeatExpr, func() { s.runJob("dag_stats", func() error {
			_, err := d.Stats()
			return err
		}) }); err != nil {
			return nil, fmt.Errorf("sweeper: add heartbeat job: %w", err)
		}
	}

	return s, nil
}

func (s *Sweeper) runJob(name string, fn func() error) {
	ctx := context.Background()
	if err := fn(); err != nil {
		s.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("job", name)))
		s.logger.Error("sweep job failed", "job", name, "error", err)
		return
	}
	s.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("job", name)))
}

// Start begins running scheduled jobs.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", "entries", len(s.cron.Entries()))
}

// Shutdown satisfies registry.Component, stopping the cron scheduler and
// waiting (up to 10s) for any in-flight job to finish.
func (s *Sweeper) Shutdown() error {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("sweeper: shutdown timed out waiting for in-flight jobs")
	}
}
