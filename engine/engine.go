// Package engine implements hybrid memory retrieval and the mutation
// operations that keep the entity store and the vector index consistent.
//
// One Engine is constructed per profile and owns that profile's store,
// index and embedder handles. Search fuses lexical, reverse-containment
// and semantic passes with Reciprocal Rank Fusion, then deduplicates
// near-identical results by embedding similarity.
package engine

import (
	"context"
	"path/filepath"

	"github.com/engramlabs/engram-go/memory"
	"github.com/engramlabs/engram-go/memory/index"
	"github.com/engramlabs/engram-go/memory/store/sqlite"
)

// Engine orchestrates retrieval and mutation for one profile's memories.
type Engine struct {
	store    memory.Store
	index    *index.Index
	embedder memory.Embedder
	config   *Config
}

// Config holds the engine's retrieval constants.
type Config struct {
	// RRFK is the Reciprocal Rank Fusion constant.
	RRFK float64

	// DedupThreshold is the cosine similarity above which a lower-ranked
	// search result is dropped as a near-duplicate.
	DedupThreshold float32

	// PreciseLimit is how many ANN candidates SearchPrecise pulls from
	// the index before re-verifying them against the store.
	PreciseLimit int

	// PreciseThreshold is SearchPrecise's default minimum similarity.
	PreciseThreshold float32

	// IndexMaxElements is the advisory capacity passed to the index.
	IndexMaxElements int
}

// DefaultConfig returns the retrieval constants used by the reference
// deployment.
var DefaultConfig = &Config{
	RRFK:             60,
	DedupThreshold:   0.90,
	PreciseLimit:     100,
	PreciseThreshold: 0.95,
	IndexMaxElements: 100_000,
}

// New creates an engine from already-open collaborators.
func New(store memory.Store, ix *index.Index, embedder memory.Embedder, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig
	}
	return &Engine{
		store:    store,
		index:    ix,
		embedder: embedder,
		config:   config,
	}
}

// Open creates an engine for the profile rooted at dir: a SQLite store at
// <dir>/memories.db and a persistent vector index under <dir>/index. The
// index is rebuilt from the store before the engine is returned; a
// corrupt index backing is discarded and rebuilt, never fatal.
func Open(ctx context.Context, dir string, embedder memory.Embedder, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig
	}

	store, err := sqlite.Open(filepath.Join(dir, "memories.db"))
	if err != nil {
		return nil, err
	}

	ix, err := index.OpenOrRebuild(ctx, index.Config{
		Dimensions:  embedder.Dimensions(),
		MaxElements: config.IndexMaxElements,
		Path:        filepath.Join(dir, "index"),
	}, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	return New(store, ix, embedder, config), nil
}

// Store exposes the engine's entity store, e.g. for graph projection.
func (e *Engine) Store() memory.Store {
	return e.store
}

// Index exposes the engine's vector index.
func (e *Engine) Index() *index.Index {
	return e.index
}

// Close releases the store handle. The index has no resources beyond its
// backing files.
func (e *Engine) Close() error {
	return e.store.Close()
}
