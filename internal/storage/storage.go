// Package storage provides a durable BoltDB-backed cache of cell records,
// DAG snapshots and validation reports, sitting alongside the Cell Store's
// plain-file-on-disk source of truth. The CLI commands and the Queen read
// cells from the Cell Store, not from this cache.
//
// Grounded on the teacher repo's services/orchestrator/persistence.go WorkflowStore, with
// workflow/execution buckets replaced by cell/snapshot/report ones.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-hive/queenhive/internal/models"
)

var (
	bucketCells     = []byte("cells")
	bucketSnapshots = []byte("dag_snapshots")
	bucketReports   = []byte("validation_reports")
	bucketVersions  = []byte("cell_versions")
)

// Store is a BoltDB-backed cache with an in-memory hot layer for cells.
type Store struct {
	db *bbolt.DB

	mu       sync.RWMutex
	cellHot  map[string]models.Cell

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if necessary) a BoltDB file under dbDir and warms the
// in-memory cell cache.
func Open(dbDir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbDir+"/queenhive.db", 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketCells, bucketSnapshots, bucketReports, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("queenhive_storage_read_ms")
	writeLatency, _ := meter.Float64Histogram("queenhive_storage_write_ms")
	cacheHits, _ := meter.Int64Counter("queenhive_storage_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("queenhive_storage_cache_misses_total")

	s := &Store{
		db:           db,
		cellHot:      make(map[string]models.Cell),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("storage: warm cache: %w", err)
	}
	return s, nil
}

// Shutdown satisfies registry.Component.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCells)
		return bucket.ForEach(func(k, v []byte) error {
			var cell models.Cell
			if err := json.Unmarshal(v, &cell); err != nil {
				return nil
			}
			s.cellHot[cell.ID] = cell
			return nil
		})
	})
}

// PutCell stores a cell record, archiving the prior version if present.
func (s *Store) PutCell(ctx context.Context, cell models.Cell) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_cell")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cell)
	if err != nil {
		return fmt.Errorf("storage: marshal cell: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCells)
		if existing := bucket.Get([]byte(cell.ID)); existing != nil {
			versionBucket := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", cell.ID, time.Now().UnixNano())
			if err := versionBucket.Put([]byte(versionKey), existing); err != nil {
				return err
			}
		}
		return bucket.Put([]byte(cell.ID), data)
	})
	if err != nil {
		return fmt.Errorf("storage: write cell: %w", err)
	}

	s.cellHot[cell.ID] = cell
	return nil
}

// GetCell retrieves a cell by id, preferring the in-memory cache.
func (s *Store) GetCell(ctx context.Context, id string) (models.Cell, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_cell")))
	}()

	s.mu.RLock()
	if cell, ok := s.cellHot[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "cell")))
		return cell, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "cell")))

	var cell models.Cell
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCells).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cell)
	})
	if err != nil {
		return models.Cell{}, false, fmt.Errorf("storage: read cell: %w", err)
	}
	if found {
		s.mu.Lock()
		s.cellHot[id] = cell
		s.mu.Unlock()
	}
	return cell, found, nil
}

// ListCells returns every cached cell, unordered.
func (s *Store) ListCells() []models.Cell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cells := make([]models.Cell, 0, len(s.cellHot))
	for _, c := range s.cellHot {
		cells = append(cells, c)
	}
	return cells
}

// DeleteCell removes a cell, archiving its last known value.
func (s *Store) DeleteCell(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCells)
		if data := bucket.Get([]byte(id)); data != nil {
			versionBucket := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("archive:%s:%d", id, time.Now().UnixNano())
			if err := versionBucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("storage: delete cell: %w", err)
	}
	delete(s.cellHot, id)
	return nil
}

// PutDAGSnapshot persists a named DAG snapshot (typically "latest" plus a
// timestamped history key).
func (s *Store) PutDAGSnapshot(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_snapshot")))
	}()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(key), data)
	})
}

// GetDAGSnapshot retrieves a previously stored DAG snapshot by key.
func (s *Store) GetDAGSnapshot(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if v == nil {
			return nil
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, data != nil, err
}

// PutValidationReport stores a Drone Validator report keyed by cell and
// drone id.
func (s *Store) PutValidationReport(ctx context.Context, report models.ValidationReport) error {
	key := report.CellID
	if report.DroneID != "" {
		key += ":" + report.DroneID
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("storage: marshal report: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReports).Put([]byte(key), data)
	})
}

// ListValidationReports returns every stored report for a cell id.
func (s *Store) ListValidationReports(ctx context.Context, cellID string) ([]models.ValidationReport, error) {
	var reports []models.ValidationReport
	prefix := []byte(cellID)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketReports).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			// Skip other cells whose id merely starts with cellID.
			if len(k) > len(prefix) && k[len(prefix)] != ':' {
				continue
			}
			var report models.ValidationReport
			if err := json.Unmarshal(v, &report); err != nil {
				continue
			}
			reports = append(reports, report)
		}
		return nil
	})
	return reports, err
}

// Stats returns bucket cardinalities and cache composition for diagnostics.
func (s *Store) Stats() map[string]int {
	stats := make(map[string]int)
	_ = s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCells, bucketSnapshots, bucketReports, bucketVersions} {
			if b := tx.Bucket(name); b != nil {
				stats[string(name)] = b.Stats().KeyN
			}
		}
		return nil
	})
	s.mu.RLock()
	stats["cache_cells"] = len(s.cellHot)
	s.mu.RUnlock()
	return stats
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
