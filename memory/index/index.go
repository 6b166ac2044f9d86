// Package index maintains the approximate-nearest-neighbor index over
// memory embeddings. It wraps chromem-go, a pure Go embedded vector
// database, optionally persisted to disk.
//
// The index is a derived cache keyed by Memory UUID: it is rebuilt from
// the entity store on startup and tolerates stale entries. Callers must
// re-verify candidates against the store before trusting them.
package index

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engramlabs/engram-go/memory"
)

const collectionName = "memories"

// Config configures the index.
type Config struct {
	// Dimensions is the embedding vector size. Vectors of any other
	// length are rejected.
	Dimensions int

	// MaxElements is the advisory capacity. chromem does not enforce a
	// hard cap; the value is logged so oversized corpora are visible.
	MaxElements int

	// Path is the persistent backing directory. Empty keeps the index
	// in memory only.
	Path string
}

// Entry is one nearest-neighbor candidate: the memory's UUID and its
// similarity to the query vector at the time the vector was indexed.
type Entry struct {
	UUID       string
	Similarity float32
}

// Index is an ANN index over memory embeddings.
//
// chromem collections are not safe for interleaved reads and writes, so
// a single mutex serializes every operation on an Index instance.
type Index struct {
	mu  sync.Mutex
	col *chromem.Collection
	cfg Config
}

// Open allocates or loads the index. A corrupt backing directory yields
// *memory.IndexInitError; callers should treat that as non-fatal and
// rebuild from scratch (see OpenOrRebuild).
func Open(cfg Config) (*Index, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, &memory.IndexInitError{Path: cfg.Path, Err: err}
		}
	} else {
		db = chromem.NewDB()
	}

	// We always supply embeddings, so no embedding func is registered.
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, &memory.IndexInitError{Path: cfg.Path, Err: err}
	}

	ix := &Index{col: col, cfg: cfg}
	log.Printf("[INDEX] Opened (dims=%d, max=%d, persistent=%t, items=%d)",
		cfg.Dimensions, cfg.MaxElements, cfg.Path != "", col.Count())
	return ix, nil
}

// OpenOrRebuild opens the index and repopulates it from every stored
// memory that carries an embedding. When the backing directory is corrupt
// it is discarded and the index is rebuilt empty, then refilled from the
// store; corruption is never fatal.
func OpenOrRebuild(ctx context.Context, cfg Config, store memory.Store) (*Index, error) {
	ix, err := Open(cfg)
	if err != nil {
		log.Printf("[INDEX] Init failed, discarding backing dir: %v", err)
		if cfg.Path != "" {
			if rmErr := os.RemoveAll(cfg.Path); rmErr != nil {
				return nil, &memory.IndexInitError{Path: cfg.Path, Err: rmErr}
			}
		}
		ix, err = Open(cfg)
		if err != nil {
			return nil, err
		}
	}
	if err := ix.Rebuild(ctx, store); err != nil {
		return nil, err
	}
	return ix, nil
}

// Add inserts or replaces the vector stored under uuid.
// Re-adding the same UUID is an upsert, so the call is idempotent.
func (ix *Index) Add(ctx context.Context, uuid string, vector []float32) error {
	if len(vector) != ix.cfg.Dimensions {
		return fmt.Errorf("index add %s: vector has %d dimensions, want %d",
			uuid, len(vector), ix.cfg.Dimensions)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	err := ix.col.AddDocument(ctx, chromem.Document{
		ID:        uuid,
		Embedding: vector,
		// chromem requires non-empty content; the UUID stands in since
		// the store owns the actual text.
		Content: uuid,
	})
	if err != nil {
		return fmt.Errorf("index add %s: %w", uuid, err)
	}

	if ix.cfg.MaxElements > 0 && ix.col.Count() > ix.cfg.MaxElements {
		log.Printf("[INDEX] Capacity advisory: %d items exceeds configured max %d",
			ix.col.Count(), ix.cfg.MaxElements)
	}
	return nil
}

// Remove deletes the vector stored under uuid. Removal is best-effort:
// a failure leaves a stale entry, which readers already tolerate.
func (ix *Index) Remove(ctx context.Context, uuid string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.col.Delete(ctx, nil, nil, uuid); err != nil {
		log.Printf("[INDEX] Best-effort remove of %s failed: %v", uuid, err)
	}
}

// Nearest returns up to k entries ordered by decreasing similarity to the
// query vector. If fewer than k vectors are indexed, all of them are
// returned.
func (ix *Index) Nearest(ctx context.Context, vector []float32, k int) ([]Entry, error) {
	if len(vector) != ix.cfg.Dimensions {
		return nil, fmt.Errorf("index query: vector has %d dimensions, want %d",
			len(vector), ix.cfg.Dimensions)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// chromem rejects nResults greater than the collection size.
	if n := ix.col.Count(); n < k {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := ix.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}

	entries := make([]Entry, 0, len(results))
	for _, r := range results {
		entries = append(entries, Entry{UUID: r.ID, Similarity: r.Similarity})
	}
	return entries, nil
}

// Count returns the number of indexed vectors.
func (ix *Index) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.col.Count()
}

// Rebuild repopulates the index from every stored memory that carries an
// embedding. This is the disaster-recovery path and the normal
// start-of-session fill.
func (ix *Index) Rebuild(ctx context.Context, store memory.Store) error {
	memories, err := store.All(ctx)
	if err != nil {
		return fmt.Errorf("index rebuild: %w", err)
	}

	added := 0
	for _, m := range memories {
		if !m.HasEmbedding() {
			continue
		}
		if err := ix.Add(ctx, m.UUID, m.Embedding.Vector); err != nil {
			log.Printf("[INDEX] Rebuild skipping %s: %v", m.UUID, err)
			continue
		}
		added++
	}
	log.Printf("[INDEX] Rebuilt with %d of %d memories", added, len(memories))
	return nil
}
