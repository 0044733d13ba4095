package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// ForestStore implements VectorStore on top of the randomized-projection
// forest in rpforest.go. It uses a string<->uint64 id mapping idiom with
// lazy deletion (an id removed from idMap/keyMap just orphans its vector
// until the next rebuild) and a Save/Load-to-path persistence contract
// used by the CLI and compaction daemon.
//
// The forest has no incremental insert: it is rebuilt wholesale the first
// time Search runs against a store with pending Adds or Deletes.
type ForestStore struct {
	mu      sync.RWMutex
	vectors map[uint64][]float32
	forest  *RPForest
	config  VectorStoreConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	dirty  bool
	closed bool
}

// forestMetadata stores id mappings and config for persistence.
type forestMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorStoreConfig
}

// forestBlob is the main index payload written to the store's path.
type forestBlob struct {
	Vectors    map[uint64][]float32
	ForestData []byte
}

// NewForestStore creates a vector store backed by an RP-forest.
func NewForestStore(cfg VectorStoreConfig) (*ForestStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	return &ForestStore{
		vectors: make(map[uint64][]float32),
		forest:  NewRPForest(DefaultForestTrees, DefaultForestLeafSize),
		config:  cfg,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
	}, nil
}

// Add inserts vectors with their ids, updating existing ids in place via
// lazy deletion of the old key.
func (s *ForestStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
			delete(s.vectors, existingKey)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		s.vectors[key] = vec
		s.idMap[id] = key
		s.keyMap[key] = id
	}

	s.dirty = true
	return nil
}

// rebuildLocked rebuilds the forest from the current vector set. Callers
// must hold s.mu for writing.
func (s *ForestStore) rebuildLocked() {
	ids := make([]uint32, 0, len(s.vectors))
	for key := range s.vectors {
		ids = append(ids, uint32(key))
	}
	lookup := func(id uint32) []float32 { return s.vectors[uint64(id)] }
	s.forest = NewRPForest(DefaultForestTrees, DefaultForestLeafSize)
	s.forest.Build(ids, lookup, rand.New(rand.NewSource(1)))
	s.dirty = false
}

// Search finds the k nearest neighbors to query, rebuilding the forest
// first if vectors were added or removed since the last rebuild.
func (s *ForestStore) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("store is closed")
	}
	if len(query) != s.config.Dimensions {
		s.mu.Unlock()
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if len(s.vectors) == 0 {
		s.mu.Unlock()
		return []*VectorResult{}, nil
	}
	if s.dirty {
		s.rebuildLocked()
	}

	normalizedQuery := make([]float32, len(query))
	copy(normalizedQuery, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalizedQuery)
	}

	budget := k * s.forest.NumTrees * DefaultCandidateBoost
	candidateIDs := s.forest.Candidates(normalizedQuery, budget)

	type scored struct {
		key      uint64
		distance float32
	}
	scoredResults := make([]scored, 0, len(candidateIDs))
	seen := make(map[uint64]bool, len(candidateIDs))
	for _, cid := range candidateIDs {
		key := uint64(cid)
		if seen[key] {
			continue
		}
		vec, ok := s.vectors[key]
		if !ok {
			continue
		}
		if _, exists := s.keyMap[key]; !exists {
			continue
		}
		seen[key] = true
		scoredResults = append(scoredResults, scored{key: key, distance: cosineDistance(normalizedQuery, vec)})
	}
	s.mu.Unlock()

	sortScored := func() {
		for i := 1; i < len(scoredResults); i++ {
			for j := i; j > 0 && (scoredResults[j-1].distance > scoredResults[j].distance ||
				(scoredResults[j-1].distance == scoredResults[j].distance && scoredResults[j-1].key > scoredResults[j].key)); j-- {
				scoredResults[j-1], scoredResults[j] = scoredResults[j], scoredResults[j-1]
			}
		}
	}
	sortScored()

	if k < len(scoredResults) {
		scoredResults = scoredResults[:k]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	results := make([]*VectorResult, 0, len(scoredResults))
	for _, sr := range scoredResults {
		id, exists := s.keyMap[sr.key]
		if !exists {
			continue
		}
		results = append(results, &VectorResult{
			ID:       id,
			Distance: sr.distance,
			Score:    distanceToScore(sr.distance, s.config.Metric),
		})
	}
	return results, nil
}

// Delete removes vectors by id via lazy deletion.
func (s *ForestStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.vectors, key)
		}
	}
	s.dirty = true
	return nil
}

// AllIDs returns all vector ids currently in the store.
func (s *ForestStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}
	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether id exists.
func (s *ForestStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, exists := s.idMap[id]
	return exists
}

// Count returns the number of vectors in the store.
func (s *ForestStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// ForestStats reports orphan accounting for the compaction daemon, in
// terms of the forest's backing vector map.
type ForestStats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

// Stats returns orphan statistics for compaction decisions.
func (s *ForestStore) Stats() ForestStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ForestStats{}
	}
	validIDs := len(s.idMap)
	graphNodes := len(s.vectors)
	return ForestStats{
		ValidIDs:   validIDs,
		GraphNodes: graphNodes,
		Orphans:    graphNodes - validIDs,
	}
}

// Save persists the store to path (the forest and vectors) plus path+".meta"
// (id mappings and config), kept as a separate file so
// ReadForestStoreDimensions can read dimensions without the full index.
func (s *ForestStore) Save(path string) error {
	s.mu.Lock()
	if s.dirty {
		s.rebuildLocked()
	}
	forestData, err := s.forest.encode()
	vectors := s.vectors
	idMap := s.idMap
	nextKey := s.nextKey
	cfg := s.config
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode forest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := gobEncodeAtomic(path, forestBlob{Vectors: vectors, ForestData: forestData}); err != nil {
		return fmt.Errorf("save forest blob: %w", err)
	}

	meta := forestMetadata{IDMap: idMap, NextKey: nextKey, Config: cfg}
	if err := gobEncodeAtomic(path+".meta", meta); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// Load loads the store from path, written previously by Save.
func (s *ForestStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	var meta forestMetadata
	if err := gobDecodeFile(path+".meta", &meta); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	var blob forestBlob
	if err := gobDecodeFile(path, &blob); err != nil {
		return fmt.Errorf("load forest blob: %w", err)
	}

	forest, err := decodeForest(blob.ForestData)
	if err != nil {
		return fmt.Errorf("decode forest: %w", err)
	}

	s.idMap = meta.IDMap
	s.nextKey = meta.NextKey
	s.config = meta.Config
	s.vectors = blob.Vectors
	s.forest = forest
	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	s.dirty = false
	return nil
}

// Close releases resources held by the store.
func (s *ForestStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.vectors = nil
	s.forest = nil
	return nil
}

var _ VectorStore = (*ForestStore)(nil)

// ReadForestStoreDimensions reads the dimensions recorded in an existing
// store's metadata file without loading the full index. Returns 0 if the
// metadata file doesn't exist (fresh start).
func ReadForestStoreDimensions(vectorPath string) (int, error) {
	metaPath := vectorPath + ".meta"

	var meta forestMetadata
	if err := gobDecodeFile(metaPath, &meta); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read forest metadata: %w", err)
	}
	return meta.Config.Dimensions, nil
}

// gobEncodeAtomic writes v to path via a temp-file-then-rename, so a crash
// mid-write never leaves a truncated metadata or index file behind.
func gobEncodeAtomic(path string, v interface{}) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(v); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func gobDecodeFile(path string, v interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := gob.NewDecoder(file).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// distanceToScore converts a cosine distance (0..2) to a similarity score
// in 0..1.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}
