package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Bucket names inside the single bbolt environment: vector data, chunk
// metadata, and tracked-file records all live in one memory-mapped
// environment at a single directory path, rather than separate files.
var (
	bucketVectors = []byte("vectors")
	bucketChunks  = []byte("chunks")
	bucketMeta    = []byte("meta")
	bucketForest  = []byte("ann_forest")
	bucketFiles   = []byte("files")
)

// meta keys inside bucketMeta.
var (
	metaKeyNextID     = []byte("next_id")
	metaKeyDimension  = []byte("dimension")
	metaKeyModel      = []byte("model")
	metaKeyIndexed    = []byte("indexed")
	forestKeyCurrent  = []byte("current")
)

// ChunkRecord is the persisted metadata record for a chunk in the
// bbolt-backed store. The vector itself lives in a separate bucket.
type ChunkRecord struct {
	ID         uint32
	ExternalID string
	Content    string
	Path       string
	StartLine  int
	EndLine    int
	Kind       string
	Signature  string
	Docstring  string
	Context    []string
	Hash       string
}

// EmbeddedFragment pairs a not-yet-persisted chunk record with its vector,
// the unit Insert operates on.
type EmbeddedFragment struct {
	Record ChunkRecord
	Vector []float32
}

// SearchResult is one ranked candidate returned by Search, joined against
// its full metadata.
type SearchResult struct {
	ID       uint32
	Distance float32
	Score    float32
	Record   ChunkRecord
}

// BoltStoreStats reports corpus size, embedding dimension/model, and
// whether the ANN index has been built.
type BoltStoreStats struct {
	TotalChunks int
	Dimension   int
	Model       string
	Indexed     bool
	NextID      uint32
}

// ErrIndexNotBuilt is returned by Search when BuildIndex has never been
// called.
var ErrIndexNotBuilt = errors.New("vector index not built: call BuildIndex before Search")

// BoltVectorStore is a persistent vector store: a single memory-mapped
// bbolt environment holding a "vectors" bucket, a "chunks" metadata
// bucket, and a monotonic id allocator, with an Annoy-style
// randomized-projection forest (RPForest) as its approximate-nearest-
// neighbor layer. Every write commits immediately; there is no separate
// Save/Load step, and ids are monotonic uint32s rather than strings.
type BoltVectorStore struct {
	mu        sync.RWMutex
	db        *bolt.DB
	path      string
	dimension int
	forest    *RPForest
	indexed   bool
	closed    bool
}

// OpenBoltVectorStore creates or attaches to a store at dir (a directory;
// the bbolt file itself is dir/vectors.db). If attaching to an existing
// store, dim must equal the stored dimensionality or ConfigError-shaped
// ErrDimensionMismatch is returned and the database is left untouched.
func OpenBoltVectorStore(dir string, dim int) (*BoltVectorStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("open vector store: dimension must be positive, got %d", dim)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	dbPath := filepath.Join(dir, "vectors.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	s := &BoltVectorStore{db: db, path: dbPath, dimension: dim}

	var storedDim int
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketVectors, bucketChunks, bucketMeta, bucketForest, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(metaKeyDimension); raw != nil {
			storedDim = int(binary.BigEndian.Uint32(raw))
		} else {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, uint32(dim))
			if err := meta.Put(metaKeyDimension, buf); err != nil {
				return err
			}
		}
		if meta.Get(metaKeyNextID) == nil {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, 0)
			if err := meta.Put(metaKeyNextID, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	if storedDim != 0 && storedDim != dim {
		db.Close()
		return nil, ErrDimensionMismatch{Expected: storedDim, Got: dim}
	}

	if err := s.loadForest(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// SetModel records the embedding model name used to build this index, so
// future attaches can detect a model mismatch.
func (s *BoltVectorStore) SetModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store closed")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaKeyModel, []byte(model))
	})
}

func (s *BoltVectorStore) loadForest() error {
	return s.db.View(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketForest)
		raw := fb.Get(forestKeyCurrent)
		if raw == nil {
			s.indexed = false
			return nil
		}
		forest, err := decodeForest(raw)
		if err != nil {
			return err
		}
		s.forest = forest
		mb := tx.Bucket(bucketMeta)
		s.indexed = mb.Get(metaKeyIndexed) != nil
		return nil
	})
}

// Insert appends embedded fragments to both the vectors and chunks
// buckets within one write transaction, assigning each a fresh monotonic
// id. It does not refresh the ANN index; callers must call BuildIndex
// before Search observes the new ids. Returns the number inserted.
func (s *BoltVectorStore) Insert(fragments []EmbeddedFragment) (int, error) {
	if len(fragments) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("vector store closed")
	}

	for _, f := range fragments {
		if len(f.Vector) != s.dimension {
			return 0, ErrDimensionMismatch{Expected: s.dimension, Got: len(f.Vector)}
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		vectors := tx.Bucket(bucketVectors)
		chunks := tx.Bucket(bucketChunks)

		nextID := binary.BigEndian.Uint32(meta.Get(metaKeyNextID))

		for i := range fragments {
			id := nextID
			nextID++

			fragments[i].Record.ID = id

			vecBuf, err := encodeVector(fragments[i].Vector)
			if err != nil {
				return err
			}
			if err := vectors.Put(idKey(id), vecBuf); err != nil {
				return err
			}

			recBuf, err := encodeChunkRecord(fragments[i].Record)
			if err != nil {
				return err
			}
			if err := chunks.Put(idKey(id), recBuf); err != nil {
				return err
			}
		}

		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, nextID)
		return meta.Put(metaKeyNextID, buf)
	})
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}

	return len(fragments), nil
}

// BuildIndex (re)builds the randomized-projection forest over every id
// currently in the vectors bucket, within one write transaction, and
// marks the store indexed. Idempotent: a failed build never leaves the
// store in a half-updated state, since bbolt's Update rolls the whole
// transaction back on error.
func (s *BoltVectorStore) BuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store closed")
	}

	ids, vecs, err := s.loadAllVectors()
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	forest := NewRPForest(DefaultForestTrees, DefaultForestLeafSize)
	lookup := func(id uint32) []float32 { return vecs[id] }
	forest.Build(ids, lookup, rand.New(rand.NewSource(1)))

	encoded, err := forest.encode()
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketForest).Put(forestKeyCurrent, encoded); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(metaKeyIndexed, []byte{1})
	})
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	s.forest = forest
	s.indexed = true
	return nil
}

func (s *BoltVectorStore) loadAllVectors() ([]uint32, map[uint32][]float32, error) {
	var ids []uint32
	vecs := make(map[uint32][]float32)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVectors).ForEach(func(k, v []byte) error {
			id := binary.BigEndian.Uint32(k)
			vec, err := decodeVector(v)
			if err != nil {
				return err
			}
			ids = append(ids, id)
			vecs[id] = vec
			return nil
		})
	})
	return ids, vecs, err
}

// Search returns up to limit candidates ordered by ascending cosine
// distance, each with score = 1.0 - distance, joined with full metadata.
// Requires BuildIndex to have been called at least once.
func (s *BoltVectorStore) Search(query []float32, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("vector store closed")
	}
	if len(query) != s.dimension {
		return nil, ErrDimensionMismatch{Expected: s.dimension, Got: len(query)}
	}
	if !s.indexed || s.forest == nil {
		return nil, ErrIndexNotBuilt
	}
	if limit <= 0 {
		return nil, nil
	}

	normQuery := normalizeCopy(query)
	budget := limit * s.forest.NumTrees * DefaultCandidateBoost
	if budget < limit {
		budget = limit
	}
	candidates := s.forest.Candidates(normQuery, budget)
	if len(candidates) == 0 {
		// Small stores, or a forest with a single all-in-one-leaf tree,
		// may surface every id from the first leaf; fall back to a full
		// scan so search still works once BuildIndex has run.
		ids, _, err := s.loadAllVectors()
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		candidates = ids
	}

	results := make([]SearchResult, 0, len(candidates))
	err := s.db.View(func(tx *bolt.Tx) error {
		vectors := tx.Bucket(bucketVectors)
		chunks := tx.Bucket(bucketChunks)

		for _, id := range candidates {
			vraw := vectors.Get(idKey(id))
			if vraw == nil {
				continue
			}
			vec, err := decodeVector(vraw)
			if err != nil {
				return err
			}

			craw := chunks.Get(idKey(id))
			if craw == nil {
				continue
			}
			rec, err := decodeChunkRecord(craw)
			if err != nil {
				return err
			}

			distance := cosineDistance(normQuery, normalizeCopy(vec))
			results = append(results, SearchResult{
				ID:       id,
				Distance: distance,
				Score:    1.0 - distance,
				Record:   rec,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	sortByDistanceThenID(results)

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func sortByDistanceThenID(results []SearchResult) {
	// Simple insertion sort is fine: candidate sets are bounded by the
	// search budget, never the whole corpus.
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && less(results[j], results[j-1]) {
			results[j], results[j-1] = results[j-1], results[j]
			j--
		}
	}
}

func less(a, b SearchResult) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// Get returns the chunk record for id, or ok=false if it does not exist.
// An unknown id is NotFound-shaped: an empty result, not an error.
func (s *BoltVectorStore) Get(id uint32) (ChunkRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ChunkRecord{}, false, fmt.Errorf("vector store closed")
	}

	var rec ChunkRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get(idKey(id))
		if raw == nil {
			return nil
		}
		r, err := decodeChunkRecord(raw)
		if err != nil {
			return err
		}
		rec, found = r, true
		return nil
	})
	if err != nil {
		return ChunkRecord{}, false, err
	}
	return rec, found, nil
}

// ForEachChunk iterates every stored chunk record in id order, stopping and
// returning the first error fn returns. Used to rebuild an in-memory
// external-id index when attaching to an already-populated store.
func (s *BoltVectorStore) ForEachChunk(fn func(ChunkRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("vector store closed")
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			rec, err := decodeChunkRecord(v)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

// DeleteByID removes the vector and chunk record for each given id within
// one write transaction. Unknown ids are silently ignored. Does not
// rebuild the forest; callers must call BuildIndex afterward.
func (s *BoltVectorStore) DeleteByID(ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store closed")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		vectors := tx.Bucket(bucketVectors)
		chunks := tx.Bucket(bucketChunks)
		for _, id := range ids {
			if err := vectors.Delete(idKey(id)); err != nil {
				return err
			}
			if err := chunks.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear discards all chunk and vector data, the forest, and the file
// records, but keeps the stored dimension/model so a subsequent Insert
// still validates against them. The id allocator resets to zero.
func (s *BoltVectorStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store closed")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketVectors, bucketChunks, bucketForest, bucketFiles} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, 0)
		if err := meta.Put(metaKeyNextID, buf); err != nil {
			return err
		}
		return meta.Delete(metaKeyIndexed)
	})
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	s.forest = nil
	s.indexed = false
	return nil
}

// Stats reports chunk count, stored dimension/model, and index state.
func (s *BoltVectorStore) Stats() (BoltStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return BoltStoreStats{}, fmt.Errorf("vector store closed")
	}

	var st BoltStoreStats
	err := s.db.View(func(tx *bolt.Tx) error {
		st.TotalChunks = tx.Bucket(bucketChunks).Stats().KeyN
		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(metaKeyDimension); raw != nil {
			st.Dimension = int(binary.BigEndian.Uint32(raw))
		}
		if raw := meta.Get(metaKeyModel); raw != nil {
			st.Model = string(raw)
		}
		if raw := meta.Get(metaKeyNextID); raw != nil {
			st.NextID = binary.BigEndian.Uint32(raw)
		}
		st.Indexed = meta.Get(metaKeyIndexed) != nil
		return nil
	})
	return st, err
}

// DBSize returns the on-disk size of the bbolt file in bytes.
func (s *BoltVectorStore) DBSize() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("vector store closed")
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("db size: %w", err)
	}
	return info.Size(), nil
}

// Close releases the memory-mapped environment. Idempotent.
func (s *BoltVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close vector store: %w", err)
	}
	return nil
}

// FileRecord is the incremental updater's per-file bookkeeping record,
// folded into the same bbolt environment as a third bucket so a project's
// index stays a single file on disk.
type FileRecord struct {
	Path        string
	Mtime       int64
	ContentHash string
	ChunkIDs    []uint32
}

// SaveFileRecord upserts the file record for path within one write
// transaction.
func (s *BoltVectorStore) SaveFileRecord(rec FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store closed")
	}
	buf, err := encodeFileRecord(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(rec.Path), buf)
	})
}

// GetFileRecord returns the stored file record for path, or ok=false if
// the path has never been indexed.
func (s *BoltVectorStore) GetFileRecord(path string) (FileRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return FileRecord{}, false, fmt.Errorf("vector store closed")
	}
	var rec FileRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFiles).Get([]byte(path))
		if raw == nil {
			return nil
		}
		r, err := decodeFileRecord(raw)
		if err != nil {
			return err
		}
		rec, found = r, true
		return nil
	})
	return rec, found, err
}

// DeleteFileRecord removes the file record for path. Does not delete its
// chunk ids; callers should DeleteByID those first.
func (s *BoltVectorStore) DeleteFileRecord(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store closed")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(path))
	})
}

func idKey(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func encodeVector(v []float32) ([]byte, error) {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("decode vector: corrupt length %d", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

func encodeChunkRecord(r ChunkRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode chunk record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeChunkRecord(data []byte) (ChunkRecord, error) {
	var r ChunkRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return ChunkRecord{}, fmt.Errorf("decode chunk record: %w", err)
	}
	return r, nil
}

func encodeFileRecord(r FileRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode file record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFileRecord(data []byte) (FileRecord, error) {
	var r FileRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return FileRecord{}, fmt.Errorf("decode file record: %w", err)
	}
	return r, nil
}

func normalizeCopy(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	normalizeVectorInPlace(out)
	return out
}

// normalizeVectorInPlace scales v to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

func cosineDistance(a, b []float32) float32 {
	// Both inputs are already unit-normalized, so cosine similarity is a
	// plain dot product and distance is 1 - similarity, ranging 0..2.
	sim := dot(a, b)
	d := 1 - sim
	if d < 0 {
		d = 0
	}
	return d
}
