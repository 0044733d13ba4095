// Package retriever implements a hybrid retriever: vector search fused
// with full-text search via Reciprocal Rank Fusion, with an optional
// cross-encoder rerank pass.
//
// It borrows its reranker and candidate shapes from internal/search, but
// is a deliberately smaller surface: query classification, dynamic
// weighting, query expansion, multi-query decomposition, and path-boost
// heuristics stay out of scope here and remain in internal/search.
package retriever

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/Aman-CERP/amanmcp/internal/embed"
	"github.com/Aman-CERP/amanmcp/internal/search"
	"github.com/Aman-CERP/amanmcp/internal/store"
)

// DefaultRRFConstant is the RRF smoothing constant used when fusing
// vector and text candidate lists.
const DefaultRRFConstant = 20

// DefaultRerankTopN is the default candidate count considered for
// cross-encoder rerank.
const DefaultRerankTopN = 50

// Rerank blend constants.
const (
	DefaultRerankWeight = 0.575
	DefaultRRFWeight    = 0.425
)

// Result is the wire-stable search result record returned to callers.
type Result struct {
	ID         uint32
	Path       string
	StartLine  int
	EndLine    int
	Kind       string
	Content    string
	Signature  string
	Docstring  string
	Context    string
	Hash       string
	Distance   float32
	Score      float64
	RRFScore   float64
	RerankUsed bool
}

// Options configures a single Search call.
type Options struct {
	Limit       int
	VectorOnly  bool
	Rerank      bool
	RerankTopN  int
	RRFConstant int
}

// withDefaults fills zero-valued options with their defaults.
func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.RRFConstant <= 0 {
		o.RRFConstant = DefaultRRFConstant
	}
	if o.RerankTopN <= 0 {
		o.RerankTopN = DefaultRerankTopN
	}
	return o
}

// Engine is the hybrid retriever: it owns no storage itself, only the
// wiring between the embedding service (D), the vector store (E), the
// full-text index (F), and an optional reranker.
type Engine struct {
	Embedder embed.Embedder
	Vectors  *store.BoltVectorStore
	Text     store.BM25Index
	Reranker search.Reranker
}

// New constructs a hybrid retriever. reranker may be nil, in which case
// rerank requests are served by search.NoOpReranker (original order
// preserved, so Search never has to special-case a missing reranker).
func New(embedder embed.Embedder, vectors *store.BoltVectorStore, text store.BM25Index, reranker search.Reranker) *Engine {
	if reranker == nil {
		reranker = &search.NoOpReranker{}
	}
	return &Engine{Embedder: embedder, Vectors: vectors, Text: text, Reranker: reranker}
}

// Search runs the full hybrid pipeline: embed the query, fetch vector and
// (unless VectorOnly) text candidates, fuse them with RRF, and optionally
// rescore the top RerankTopN with the cross-encoder reranker.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	opts = opts.withDefaults()

	qvec, err := e.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retriever: embed query: %w", err)
	}

	vecFetch := opts.Limit
	if opts.Rerank && opts.RerankTopN > vecFetch {
		vecFetch = opts.RerankTopN
	}
	vecResults, err := e.Vectors.Search(qvec, vecFetch)
	if err != nil {
		return nil, fmt.Errorf("retriever: vector search: %w", err)
	}

	if opts.VectorOnly {
		return vectorOnlyResults(vecResults, opts.Limit), nil
	}

	var bm25Results []*store.BM25Result
	if e.Text != nil {
		bm25Results, err = e.Text.Search(ctx, query, opts.Limit*3)
		if err != nil {
			return nil, fmt.Errorf("retriever: text search: %w", err)
		}
	}

	fused := fuse(vecResults, bm25Results, opts.RRFConstant)

	if len(fused) > opts.Limit {
		fused = fused[:opts.Limit]
	}

	if !opts.Rerank || e.Reranker == nil || len(fused) == 0 {
		return fused, nil
	}

	return e.rerank(ctx, query, fused, opts)
}

func vectorOnlyResults(vec []store.SearchResult, limit int) []Result {
	if len(vec) > limit {
		vec = vec[:limit]
	}
	out := make([]Result, 0, len(vec))
	for _, v := range vec {
		out = append(out, toResult(v.Record, v.Distance, float64(v.Score), float64(v.Score)))
	}
	return out
}

func toResult(rec store.ChunkRecord, distance float32, score, rrf float64) Result {
	ctx := ""
	if len(rec.Context) > 0 {
		for i, c := range rec.Context {
			if i > 0 {
				ctx += " > "
			}
			ctx += c
		}
	}
	return Result{
		ID:        rec.ID,
		Path:      rec.Path,
		StartLine: rec.StartLine,
		EndLine:   rec.EndLine,
		Kind:      rec.Kind,
		Content:   rec.Content,
		Signature: rec.Signature,
		Docstring: rec.Docstring,
		Context:   ctx,
		Hash:      rec.Hash,
		Distance:  distance,
		Score:     score,
		RRFScore:  rrf,
	}
}

// fuse combines the vector and text candidate lists with Reciprocal Rank
// Fusion: score = Σ 1/(k+rank) across both lists, ties broken by ascending
// id. String DocIDs from the bleve-backed text index are parsed back to
// uint32 for fusion against the vector store's native id type.
func fuse(vec []store.SearchResult, bm25 []*store.BM25Result, k int) []Result {
	type acc struct {
		rec      store.ChunkRecord
		distance float32
		rrf      float64
	}
	byID := make(map[uint32]*acc, len(vec)+len(bm25))

	for rank, v := range vec {
		a, ok := byID[v.ID]
		if !ok {
			a = &acc{rec: v.Record, distance: v.Distance}
			byID[v.ID] = a
		}
		a.rrf += 1.0 / float64(k+rank+1)
	}

	for rank, r := range bm25 {
		id, err := strconv.ParseUint(r.DocID, 10, 32)
		if err != nil {
			continue
		}
		a, ok := byID[uint32(id)]
		if !ok {
			// Text-only hit: no vector record is known here, so metadata
			// is left mostly empty except the id; callers that need full
			// metadata for text-only hits should resolve via Vectors.Get.
			a = &acc{rec: store.ChunkRecord{ID: uint32(id)}}
			byID[uint32(id)] = a
		}
		a.rrf += 1.0 / float64(k+rank+1)
	}

	out := make([]Result, 0, len(byID))
	for _, a := range byID {
		out = append(out, toResult(a.rec, a.distance, a.rrf, a.rrf))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RRFScore != out[j].RRFScore {
			return out[i].RRFScore > out[j].RRFScore
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// rerank rescales the top RerankTopN fused results with the cross-encoder
// reranker and blends scores: 0.575*rerank + 0.425*rrf.
func (e *Engine) rerank(ctx context.Context, query string, fused []Result, opts Options) ([]Result, error) {
	topN := opts.RerankTopN
	if topN > len(fused) {
		topN = len(fused)
	}
	candidates := fused[:topN]
	rest := fused[topN:]

	docs := make([]string, len(candidates))
	for i, r := range candidates {
		docs[i] = r.Content
	}

	reranked, err := e.Reranker.Rerank(ctx, query, docs, topN)
	if err != nil {
		return nil, fmt.Errorf("retriever: rerank: %w", err)
	}

	for _, rr := range reranked {
		if rr.Index < 0 || rr.Index >= len(candidates) {
			continue
		}
		candidates[rr.Index].Score = DefaultRerankWeight*rr.Score + DefaultRRFWeight*candidates[rr.Index].RRFScore
		candidates[rr.Index].RerankUsed = true
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})

	return append(candidates, rest...), nil
}
