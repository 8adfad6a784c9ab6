// Package registry provides the durable (run_id → RunRecord) store.
//
// Records persist to an embedded bbolt database and replay into an in-memory
// index on open, so the registry survives control-plane restarts. Writes for
// a given id are serialized; readers always observe complete snapshots.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/types"
)

// ErrNotFound indicates an unknown run id.
var ErrNotFound = errors.New("run not found")

// ErrBadTransition indicates an update that would regress a run's status.
var ErrBadTransition = errors.New("illegal status transition")

var runsBucket = []byte("runs")

// Registry is the shared mutable run store. It is safe for concurrent use.
type Registry struct {
	db     *bolt.DB
	logger *log.Logger

	mu    sync.RWMutex
	index map[string]*types.RunRecord
}

// Open opens (or creates) the registry database at path and replays all
// persisted records into the in-memory index.
func Open(path string, logger *log.Logger) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry db %s: %w", path, err)
	}

	r := &Registry{
		db:     db,
		logger: logger,
		index:  make(map[string]*types.RunRecord),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(runsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var rec types.RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// A corrupt record is skipped rather than failing startup;
				// the raw bytes stay in the db for inspection.
				logger.Warn("skipping corrupt run record", map[string]any{"error": err.Error()})
				return nil
			}
			r.index[rec.ID] = &rec
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("replay registry: %w", err)
	}

	logger.Info("registry opened", map[string]any{"path": path, "records": len(r.index)})
	return r, nil
}

// Save upserts a record by id. Status changes must follow the lifecycle DAG;
// a regression from a terminal state returns ErrBadTransition.
func (r *Registry) Save(rec *types.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.index[rec.ID]; ok && existing.Status != rec.Status {
		if !existing.Status.CanTransitionTo(rec.Status) {
			return fmt.Errorf("%w: %s → %s for run %s", ErrBadTransition, existing.Status, rec.Status, rec.ID)
		}
	}

	snapshot := rec.Clone()
	if err := r.persist(snapshot); err != nil {
		return err
	}
	r.index[snapshot.ID] = snapshot
	return nil
}

// Update applies fn to a copy of the record under the write lock and
// persists the result. The returned record is a snapshot.
func (r *Registry) Update(id string, fn func(*types.RunRecord) error) (*types.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := existing.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if existing.Status != next.Status && !existing.Status.CanTransitionTo(next.Status) {
		return nil, fmt.Errorf("%w: %s → %s for run %s", ErrBadTransition, existing.Status, next.Status, id)
	}

	if err := r.persist(next); err != nil {
		return nil, err
	}
	r.index[id] = next
	return next.Clone(), nil
}

// persist writes one record inside a bolt transaction. Caller holds r.mu.
func (r *Registry) persist(rec *types.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", rec.ID, err)
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("persist run %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a snapshot of the record, or ErrNotFound.
func (r *Registry) Get(id string) (*types.RunRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns snapshots of all records ordered by created_at descending.
func (r *Registry) List() []*types.RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.RunRecord, 0, len(r.index))
	for _, rec := range r.index {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete removes the record and, best-effort, its on-disk tree. Deleting an
// unknown id returns ErrNotFound.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	delete(r.index, id)

	if rec.OutDir != "" {
		if rmErr := os.RemoveAll(rec.OutDir); rmErr != nil {
			r.logger.Warn("out dir removal failed", map[string]any{
				"run_id": id, "out_dir": rec.OutDir, "error": rmErr.Error(),
			})
		}
	}
	return nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}
