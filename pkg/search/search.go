// Package search provides ranked retrieval over stored entities: BM25
// keyword search, embedding-based semantic search, and hybrid search that
// fuses both with Reciprocal Rank Fusion (RRF).
//
// How RRF works:
//
// RRF combines rankings from multiple search methods. Instead of merging
// raw scores (which live on incomparable scales), it uses rank positions:
//
//	score(doc) = Σ weight_i / (k + rank_i)
//
// where rank_i is the document's 1-indexed position in method i and k is a
// smoothing constant (60, per Cormack, Clarke & Buettcher 2009) that keeps
// a single #1 rank from dominating the fusion.
//
// Embeddings are materialized lazily as content-addressed artifacts: each
// entity's vector is stored with the hash of the fields it was computed
// from and regenerated only when the fields change.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loomdb/loom/pkg/embed"
	"github.com/loomdb/loom/pkg/math/vector"
	"github.com/loomdb/loom/pkg/storage"
)

// ArtifactEmbedding is the artifact kind under which entity embeddings are
// stored.
const ArtifactEmbedding = "embedding"

// Default fusion parameters.
const (
	DefaultRRFK           = 60.0
	DefaultFTSWeight      = 0.5
	DefaultSemanticWeight = 0.5
)

// Params controls a search call.
type Params struct {
	Limit  int
	Offset int

	// MinScore is the inclusive cosine similarity floor for semantic
	// search. Zero keeps everything.
	MinScore float64

	// RRF configuration for hybrid search. Each zero value falls back to
	// its default independently of the others.
	RRFK           float64
	FTSWeight      float64
	SemanticWeight float64
}

func (p *Params) rrfK() float64 {
	if p != nil && p.RRFK > 0 {
		return p.RRFK
	}
	return DefaultRRFK
}

func (p *Params) weights() (fts, semantic float64) {
	fts, semantic = DefaultFTSWeight, DefaultSemanticWeight
	if p == nil {
		return fts, semantic
	}
	if p.FTSWeight > 0 {
		fts = p.FTSWeight
	}
	if p.SemanticWeight > 0 {
		semantic = p.SemanticWeight
	}
	return fts, semantic
}

// Result is one ranked search hit. Similarity is cosine similarity for
// semantic paths; RRFScore and the two ranks are populated by hybrid
// search (a zero rank means the entity was absent from that ranking).
type Result struct {
	Thing *storage.Thing
	Type  string

	Similarity   float64
	RRFScore     float64
	FTSRank      int
	SemanticRank int
}

// Service implements semantic and hybrid search over a storage.Provider.
//
// The service owns one BM25 index per entity type, built lazily from the
// store and kept current via IndexThing/RemoveThing notifications.
type Service struct {
	store    storage.Provider
	embedder embed.Embedder
	log      *zap.Logger

	mu       sync.Mutex
	fulltext map[string]*FulltextIndex
}

// NewService creates a search service. A nil logger disables logging.
func NewService(store storage.Provider, embedder embed.Embedder, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		log:      log,
		fulltext: make(map[string]*FulltextIndex),
	}
}

// IndexThing adds or refreshes an entity in the keyword index.
func (s *Service) IndexThing(thing *storage.Thing) {
	if thing == nil {
		return
	}
	s.index(thing.Type).Index(thing.ID, docText(thing.Fields))
}

// RemoveThing removes an entity from the keyword index.
func (s *Service) RemoveThing(typ, id string) {
	s.mu.Lock()
	idx := s.fulltext[typ]
	s.mu.Unlock()
	if idx != nil {
		idx.Remove(id)
	}
}

func (s *Service) index(typ string) *FulltextIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.fulltext[typ]
	if idx == nil {
		idx = NewFulltextIndex()
		s.fulltext[typ] = idx
	}
	return idx
}

// ensureIndexed builds the keyword index for a type from the store on
// first use. Presence in the map marks the index as built, so an empty
// type does not rebuild on every call.
func (s *Service) ensureIndexed(ctx context.Context, typ string) (*FulltextIndex, error) {
	s.mu.Lock()
	if idx, ok := s.fulltext[typ]; ok {
		s.mu.Unlock()
		return idx, nil
	}
	s.mu.Unlock()

	things, err := s.store.List(ctx, typ, nil)
	if err != nil {
		return nil, err
	}
	idx := s.index(typ)
	for _, thing := range things {
		idx.Index(thing.ID, docText(thing.Fields))
	}
	return idx, nil
}

// embeddingFor returns the entity's embedding, regenerating the artifact
// when the stored one was derived from an older revision of the fields.
func (s *Service) embeddingFor(ctx context.Context, thing *storage.Thing) ([]float32, error) {
	art, err := s.store.GetArtifact(ctx, thing.Type, thing.ID, ArtifactEmbedding)
	if err != nil {
		return nil, err
	}
	if art != nil && !art.Stale(thing.Fields) {
		return art.FloatContent(), nil
	}

	vec, err := s.embedder.Embed(ctx, docText(thing.Fields))
	if err != nil {
		return nil, fmt.Errorf("embedding %s/%s: %w", thing.Type, thing.ID, err)
	}
	s.log.Debug("embedding regenerated",
		zap.String("type", thing.Type),
		zap.String("id", thing.ID),
		zap.Bool("stale", art != nil))

	err = s.store.PutArtifact(ctx, &storage.Artifact{
		ThingType:  thing.Type,
		ThingID:    thing.ID,
		Kind:       ArtifactEmbedding,
		Content:    vec,
		Metadata:   map[string]any{"model": s.embedder.Model()},
		SourceHash: storage.HashFields(thing.Fields),
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// semanticRanked scores every entity of a type against the query vector
// and returns the full descending ranking. Ties stay in creation order
// because store listings are creation-ordered and the sort is stable.
func (s *Service) semanticRanked(ctx context.Context, typ string, queryVec []float32) ([]Result, error) {
	things, err := s.store.List(ctx, typ, nil)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(things))
	for _, thing := range things {
		vec, err := s.embeddingFor(ctx, thing)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			Thing:      thing,
			Type:       typ,
			Similarity: vector.CosineSimilarity(queryVec, vec),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	for i := range results {
		results[i].SemanticRank = i + 1
	}
	return results, nil
}

// Semantic performs embedding-based similarity search over one type.
// The MinScore floor is inclusive: a hit scoring exactly MinScore stays.
func (s *Service) Semantic(ctx context.Context, typ, query string, params *Params) ([]Result, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	ranked, err := s.semanticRanked(ctx, typ, queryVec)
	if err != nil {
		return nil, err
	}
	return paginate(filterMinScore(ranked, params), params), nil
}

// SemanticAll runs semantic search across several types and merges the
// rankings by similarity. Each result is tagged with its type.
func (s *Service) SemanticAll(ctx context.Context, types []string, query string, params *Params) ([]Result, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var all []Result
	for _, typ := range types {
		ranked, err := s.semanticRanked(ctx, typ, queryVec)
		if err != nil {
			return nil, err
		}
		all = append(all, ranked...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Similarity > all[j].Similarity
	})
	return paginate(filterMinScore(all, params), params), nil
}

// Hybrid fuses BM25 keyword search and semantic search with RRF over one
// type. Results are ordered by RRFScore and expose both contributing
// ranks.
func (s *Service) Hybrid(ctx context.Context, typ, query string, params *Params) ([]Result, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.hybridRanked(ctx, typ, query, queryVec, params)
}

// HybridAll runs hybrid search across several types and merges the fused
// rankings by RRF score.
func (s *Service) HybridAll(ctx context.Context, types []string, query string, params *Params) ([]Result, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var all []Result
	for _, typ := range types {
		// Fuse per type, paginate after the merge.
		fused, err := s.hybridRanked(ctx, typ, query, queryVec, &Params{
			RRFK:           params.rrfK(),
			FTSWeight:      firstWeight(params),
			SemanticWeight: secondWeight(params),
		})
		if err != nil {
			return nil, err
		}
		all = append(all, fused...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].RRFScore > all[j].RRFScore
	})
	return paginate(all, params), nil
}

func firstWeight(params *Params) float64  { fts, _ := params.weights(); return fts }
func secondWeight(params *Params) float64 { _, sem := params.weights(); return sem }

func (s *Service) hybridRanked(ctx context.Context, typ, query string, queryVec []float32, params *Params) ([]Result, error) {
	idx, err := s.ensureIndexed(ctx, typ)
	if err != nil {
		return nil, err
	}
	ftsHits := idx.Search(query, 0)

	semantic, err := s.semanticRanked(ctx, typ, queryVec)
	if err != nil {
		return nil, err
	}

	ftsRanks := make(map[string]int, len(ftsHits))
	for i, hit := range ftsHits {
		ftsRanks[hit.ID] = i + 1
	}

	k := params.rrfK()
	ftsWeight, semWeight := params.weights()

	// Semantic ranking covers every entity of the type, so it already
	// enumerates the candidate set.
	fused := make([]Result, 0, len(semantic))
	for _, r := range semantic {
		if rank, ok := ftsRanks[r.Thing.ID]; ok {
			r.FTSRank = rank
			r.RRFScore += ftsWeight / (k + float64(rank))
		}
		r.RRFScore += semWeight / (k + float64(r.SemanticRank))
		fused = append(fused, r)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].RRFScore > fused[j].RRFScore
	})
	return paginate(fused, params), nil
}

// TopMatch returns the best semantic match for hint across the candidate
// types, in listed order. On a similarity tie the earlier-listed type
// wins. Returns a nil Thing when nothing reaches the (inclusive)
// threshold.
func (s *Service) TopMatch(ctx context.Context, types []string, hint string, threshold float64) (*Result, error) {
	queryVec, err := s.embedder.Embed(ctx, hint)
	if err != nil {
		return nil, fmt.Errorf("embedding hint: %w", err)
	}

	var best *Result
	for _, typ := range types {
		ranked, err := s.semanticRanked(ctx, typ, queryVec)
		if err != nil {
			return nil, err
		}
		if len(ranked) == 0 {
			continue
		}
		top := ranked[0]
		// Strict comparison keeps the first-listed type on ties.
		if best == nil || top.Similarity > best.Similarity {
			cp := top
			best = &cp
		}
	}
	if best == nil || best.Similarity < threshold {
		return nil, nil
	}
	return best, nil
}

func filterMinScore(results []Result, params *Params) []Result {
	if params == nil || params.MinScore == 0 {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.Similarity >= params.MinScore {
			out = append(out, r)
		}
	}
	return out
}

func paginate(results []Result, params *Params) []Result {
	if params == nil {
		return results
	}
	if params.Offset > 0 {
		if params.Offset >= len(results) {
			return nil
		}
		results = results[params.Offset:]
	}
	if params.Limit > 0 && params.Limit < len(results) {
		results = results[:params.Limit]
	}
	return results
}

// docText flattens an entity's string fields into one searchable and
// embeddable document, in sorted key order so the text is deterministic.
func docText(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if strings.HasPrefix(k, "$") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		switch v := fields[key].(type) {
		case string:
			b.WriteString(v)
			b.WriteByte(' ')
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					b.WriteString(s)
					b.WriteByte(' ')
				}
			}
		}
	}
	return strings.TrimSpace(b.String())
}
