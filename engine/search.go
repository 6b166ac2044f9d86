package engine

import (
	"context"
	"log"
	"sort"
	"strings"

	"github.com/engramlabs/engram-go/memory"
)

// Search returns memories relevant to query, most relevant first.
//
// A blank query returns the whole corpus in store order. Otherwise three
// retrieval passes run — lexical substring, reverse containment (memory
// title inside the query) and semantic similarity — and are fused with
// Reciprocal Rank Fusion. A failing embedding provider only skips the
// semantic pass; store failures propagate. The fused list is deduplicated
// so near-identical memories keep one representative, preferring the
// higher-ranked one.
func (e *Engine) Search(ctx context.Context, query string) ([]*memory.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return e.store.All(ctx)
	}

	all, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*memory.Memory, len(all))
	for _, m := range all {
		byID[m.ID] = m
	}

	scores := make(map[int64]float64)

	// Pass 1: title or content contains the query, case-insensitive.
	keywordResults, err := e.store.QueryContains(ctx,
		[]memory.Field{memory.FieldTitle, memory.FieldContent}, query, true)
	if err != nil {
		return nil, err
	}
	e.fuse(scores, keywordResults)

	// Pass 2: the query contains a memory's title. This is what surfaces
	// a short entity name embedded in a longer question. Blank titles are
	// skipped; they would match every query.
	loweredQuery := strings.ToLower(query)
	var reverse []*memory.Memory
	for _, m := range all {
		title := strings.TrimSpace(m.Title)
		if title == "" {
			continue
		}
		if strings.Contains(loweredQuery, strings.ToLower(title)) {
			reverse = append(reverse, m)
		}
	}
	e.fuse(scores, reverse)

	// Pass 3: semantic similarity. A provider failure degrades the
	// search to the lexical passes instead of failing it.
	if queryVec, embErr := e.embedder.Embed(ctx, query); embErr != nil {
		log.Printf("[ENGINE] Semantic pass skipped: %v", embErr)
	} else {
		e.fuse(scores, rankBySimilarity(all, queryVec))
	}

	if len(scores) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] < ids[j]
	})

	fused := make([]*memory.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			fused = append(fused, m)
		}
	}

	return e.dedupeBySemantics(fused), nil
}

// SearchPrecise is the high-precision retrieval mode: it embeds the
// query, pulls the nearest candidates from the vector index and keeps
// only those whose freshly recomputed similarity against the store's
// current embedding meets the threshold. Entries whose memory no longer
// exists in the store are filtered out, so a stale index never leaks
// deleted memories. A threshold <= 0 uses the configured default.
func (e *Engine) SearchPrecise(ctx context.Context, query string, threshold float32) ([]*memory.Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if threshold <= 0 {
		threshold = e.config.PreciseThreshold
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[ENGINE] Precise search skipped, query embedding failed: %v", err)
		return nil, nil
	}

	candidates, err := e.index.Nearest(ctx, queryVec, e.config.PreciseLimit)
	if err != nil {
		return nil, err
	}

	var results []*memory.Memory
	for _, cand := range candidates {
		m, err := e.store.FindByUUID(ctx, cand.UUID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			log.Printf("[ENGINE] Dropping stale index entry %s", cand.UUID)
			continue
		}
		if !m.HasEmbedding() {
			continue
		}
		if memory.Cosine(queryVec, m.Embedding.Vector) >= threshold {
			results = append(results, m)
		}
	}
	return results, nil
}

// fuse adds one ranked pass to the running RRF scores: the memory at
// 1-based rank r contributes 1/(k+r).
func (e *Engine) fuse(scores map[int64]float64, ranked []*memory.Memory) {
	for i, m := range ranked {
		scores[m.ID] += 1.0 / (e.config.RRFK + float64(i+1))
	}
}

// rankBySimilarity orders memories that carry an embedding by descending
// cosine similarity to the query vector. Ties break on ascending id so
// repeated searches rank identically.
func rankBySimilarity(all []*memory.Memory, queryVec []float32) []*memory.Memory {
	type scored struct {
		m   *memory.Memory
		sim float32
	}
	var candidates []scored
	for _, m := range all {
		if !m.HasEmbedding() {
			continue
		}
		candidates = append(candidates, scored{m: m, sim: memory.Cosine(queryVec, m.Embedding.Vector)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].m.ID < candidates[j].m.ID
	})

	ranked := make([]*memory.Memory, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.m
	}
	return ranked
}

// dedupeBySemantics walks the fused, sorted list and drops any memory
// whose similarity to an already-kept one exceeds the dedup threshold.
// Memories without embeddings are never considered duplicates.
func (e *Engine) dedupeBySemantics(sorted []*memory.Memory) []*memory.Memory {
	if len(sorted) < 2 {
		return sorted
	}

	kept := make([]*memory.Memory, 0, len(sorted))
	for _, cand := range sorted {
		duplicate := false
		for _, k := range kept {
			var sim float32
			if cand.HasEmbedding() && k.HasEmbedding() {
				sim = memory.Cosine(k.Embedding.Vector, cand.Embedding.Vector)
			}
			if sim > e.config.DedupThreshold {
				log.Printf("[ENGINE] Deduplicating %q (similar to %q, similarity=%.3f)",
					cand.Title, k.Title, sim)
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, cand)
		}
	}
	return kept
}
