package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// BoltVectorStoreAdapter exposes a BoltVectorStore through the VectorStore
// interface used by the indexing/search CLI paths. It bridges the legacy
// string-id, Save/Load-to-path contract onto BoltVectorStore's monotonic
// uint32 ids and always-committed bbolt persistence, so the spec-shaped
// store can be dropped into index.go/search.go/compact.go without those
// callers changing at all.
type BoltVectorStoreAdapter struct {
	mu    sync.RWMutex
	inner *BoltVectorStore
	fwd   map[string]uint32 // external id -> internal id
	dirty bool
}

// NewBoltVectorStoreAdapter wraps an already-open BoltVectorStore, rebuilding
// the external-id index from its chunk records so it also works when
// attaching to a store populated by a previous process.
func NewBoltVectorStoreAdapter(inner *BoltVectorStore) (*BoltVectorStoreAdapter, error) {
	a := &BoltVectorStoreAdapter{inner: inner, fwd: make(map[string]uint32)}
	err := inner.ForEachChunk(func(rec ChunkRecord) error {
		if rec.ExternalID != "" {
			a.fwd[rec.ExternalID] = rec.ID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild external-id index: %w", err)
	}
	stats, err := inner.Stats()
	if err != nil {
		return nil, err
	}
	a.dirty = !stats.Indexed
	return a, nil
}

// Add inserts vectors keyed by external string id, replacing any existing
// record for an id already present.
func (a *BoltVectorStoreAdapter) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var stale []uint32
	frags := make([]EmbeddedFragment, len(ids))
	for i, id := range ids {
		if old, ok := a.fwd[id]; ok {
			stale = append(stale, old)
		}
		frags[i] = EmbeddedFragment{
			Record: ChunkRecord{ExternalID: id},
			Vector: vectors[i],
		}
	}
	if len(stale) > 0 {
		if err := a.inner.DeleteByID(stale); err != nil {
			return fmt.Errorf("replace existing vectors: %w", err)
		}
	}

	if _, err := a.inner.Insert(frags); err != nil {
		return err
	}
	for _, f := range frags {
		a.fwd[f.Record.ExternalID] = f.Record.ID
	}
	a.dirty = true
	return nil
}

// Search rebuilds the ANN forest first if Add/Delete ran since the last
// search (mirroring ForestStore's lazy-rebuild-on-search contract), then
// returns the k nearest neighbors keyed by external id.
func (a *BoltVectorStoreAdapter) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	a.mu.Lock()
	if a.dirty {
		if err := a.inner.BuildIndex(); err != nil {
			a.mu.Unlock()
			return nil, err
		}
		a.dirty = false
	}
	a.mu.Unlock()

	results, err := a.inner.Search(query, k)
	if err != nil {
		if errors.Is(err, ErrIndexNotBuilt) {
			return []*VectorResult{}, nil
		}
		return nil, err
	}

	out := make([]*VectorResult, 0, len(results))
	for _, r := range results {
		out = append(out, &VectorResult{
			ID:       r.Record.ExternalID,
			Distance: r.Distance,
			Score:    r.Score,
		})
	}
	return out, nil
}

// Delete removes vectors by external id via the internal id mapping.
func (a *BoltVectorStoreAdapter) Delete(ctx context.Context, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var internal []uint32
	for _, id := range ids {
		if iid, ok := a.fwd[id]; ok {
			internal = append(internal, iid)
			delete(a.fwd, id)
		}
	}
	if len(internal) == 0 {
		return nil
	}
	a.dirty = true
	return a.inner.DeleteByID(internal)
}

// AllIDs returns every external id currently tracked.
func (a *BoltVectorStoreAdapter) AllIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.fwd))
	for id := range a.fwd {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether the external id exists.
func (a *BoltVectorStoreAdapter) Contains(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.fwd[id]
	return ok
}

// Count returns the number of tracked vectors.
func (a *BoltVectorStoreAdapter) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.fwd)
}

// Save is a no-op: BoltVectorStore commits every write immediately to its
// own memory-mapped file, so there is no separate snapshot to write.
func (a *BoltVectorStoreAdapter) Save(path string) error { return nil }

// Load is a no-op: the wrapped BoltVectorStore is already attached to its
// backing file as of OpenBoltVectorStore, and the external-id index was
// rebuilt at construction time.
func (a *BoltVectorStoreAdapter) Load(path string) error { return nil }

// Close releases the wrapped store's memory-mapped environment.
func (a *BoltVectorStoreAdapter) Close() error {
	return a.inner.Close()
}

var _ VectorStore = (*BoltVectorStoreAdapter)(nil)
