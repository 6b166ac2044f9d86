package engine_test

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"path/filepath"
	"testing"

	"github.com/engramlabs/engram-go/engine"
	"github.com/engramlabs/engram-go/graph"
	"github.com/engramlabs/engram-go/memory"
	"github.com/engramlabs/engram-go/memory/index"
	"github.com/engramlabs/engram-go/memory/store/sqlite"
)

const testDims = 4

// stubEmbedder returns fixed vectors for known texts, fails on demand
// and falls back to a deterministic hash vector otherwise.
type stubEmbedder struct {
	dims    int
	vectors map[string][]float32
	fail    map[string]bool
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{
		dims:    testDims,
		vectors: make(map[string][]float32),
		fail:    make(map[string]bool),
	}
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.fail[text] {
		return nil, errors.New("stub embedder: unavailable")
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, s.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return vec, nil
}

func (s *stubEmbedder) Dimensions() int { return s.dims }

func newTestEngine(t *testing.T) (*engine.Engine, *sqlite.Store, *stubEmbedder) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "memories.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ix, err := index.Open(index.Config{Dimensions: testDims, MaxElements: 1000})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}

	embedder := newStubEmbedder()
	return engine.New(store, ix, embedder, nil), store, embedder
}

func titles(memories []*memory.Memory) []string {
	out := make([]string, len(memories))
	for i, m := range memories {
		out[i] = m.Title
	}
	return out
}

func TestSearchBlankReturnsFullCorpus(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	for _, title := range []string{"first", "second", "third"} {
		if _, err := eng.CreateMemory(ctx, title, "content of "+title, "text/plain", "test"); err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
	}

	results, err := eng.Search(ctx, "   ")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("blank query returned %d memories, want 3", len(results))
	}
	// Store order, not relevance order.
	want := []string{"first", "second", "third"}
	for i, title := range titles(results) {
		if title != want[i] {
			t.Errorf("result %d = %q, want %q", i, title, want[i])
		}
	}
}

func TestSearchNoMatchesReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	eng, _, embedder := newTestEngine(t)

	if _, err := eng.CreateMemory(ctx, "alpha", "notes about alpha", "text/plain", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// No lexical or reverse match, and the semantic pass is skipped.
	query := "zzz no such thing"
	embedder.fail[query] = true

	results, err := eng.Search(ctx, query)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0 (empty, unlike the blank-query case)", len(results))
	}
}

func TestSearchFusionRanksMultiPassMatchFirst(t *testing.T) {
	ctx := context.Background()
	eng, _, embedder := newTestEngine(t)

	// alpha hits the lexical pass (title contains query), the reverse
	// pass (query contains title) and ranks second semantically. beta
	// hits only the semantic pass, at rank one. Three contributions
	// must outweigh one.
	embedder.vectors["facts about alpha"] = []float32{0, 1, 0, 0}
	embedder.vectors["unrelated topic"] = []float32{1, 0, 0, 0}
	embedder.vectors["alpha"] = []float32{1, 0, 0, 0}

	if _, err := eng.CreateMemory(ctx, "alpha", "facts about alpha", "text/plain", "test"); err != nil {
		t.Fatalf("create alpha: %v", err)
	}
	if _, err := eng.CreateMemory(ctx, "beta", "unrelated topic", "text/plain", "test"); err != nil {
		t.Fatalf("create beta: %v", err)
	}

	results, err := eng.Search(ctx, "alpha")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	got := titles(results)
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("got order %v, want [alpha beta]", got)
	}
}

func TestSearchDeterministicOrdering(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	for _, title := range []string{"go routines", "go channels", "go modules", "rust traits"} {
		if _, err := eng.CreateMemory(ctx, title, "notes on "+title, "text/plain", "test"); err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
	}

	first, err := eng.Search(ctx, "go")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := eng.Search(ctx, "go")
		if err != nil {
			t.Fatalf("search repeat %d: %v", i, err)
		}
		if len(again) != len(first) {
			t.Fatalf("repeat %d returned %d results, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j].ID != first[j].ID {
				t.Fatalf("repeat %d position %d = id %d, want id %d", i, j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestSearchReverseContainment(t *testing.T) {
	ctx := context.Background()
	eng, _, embedder := newTestEngine(t)

	if _, err := eng.CreateMemory(ctx, "长安大学",
		"Chang'an University campus notes", "text/plain", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The query is not a substring of title or content, and the
	// semantic pass is disabled, so only reverse containment (title
	// inside query) can surface the memory.
	query := "长安大学在西安"
	embedder.fail[query] = true

	results, err := eng.Search(ctx, query)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "长安大学" {
		t.Fatalf("got %v, want the 长安大学 memory via reverse containment", titles(results))
	}
}

func TestSearchEmbeddingFailureDegradesToLexical(t *testing.T) {
	ctx := context.Background()
	eng, _, embedder := newTestEngine(t)

	if _, err := eng.CreateMemory(ctx, "kubernetes", "container orchestration", "text/plain", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}

	embedder.fail["container"] = true
	results, err := eng.Search(ctx, "container")
	if err != nil {
		t.Fatalf("search must not fail on embedding errors: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 via the lexical pass", len(results))
	}
}

func TestSearchDeduplicatesNearIdenticalResults(t *testing.T) {
	ctx := context.Background()
	eng, _, embedder := newTestEngine(t)

	// Two memories with almost identical embeddings (cosine > 0.90)
	// and one clearly distinct.
	embedder.vectors["the capital of france is paris"] = []float32{1, 0, 0, 0}
	embedder.vectors["paris is the capital of france"] = []float32{0.995, 0.0999, 0, 0}
	embedder.vectors["tokyo is in japan"] = []float32{0, 0, 1, 0}
	embedder.vectors["capital"] = []float32{1, 0, 0, 0}

	if _, err := eng.CreateMemory(ctx, "paris one", "the capital of france is paris", "text/plain", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.CreateMemory(ctx, "paris two", "paris is the capital of france", "text/plain", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.CreateMemory(ctx, "tokyo", "tokyo is in japan", "text/plain", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}

	results, err := eng.Search(ctx, "capital")
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	got := titles(results)
	for _, title := range got {
		if title == "paris two" {
			t.Fatalf("near-duplicate %q survived deduplication: %v", title, got)
		}
	}
	if got[0] != "paris one" {
		t.Fatalf("kept representative should be the higher-ranked one, got %v", got)
	}
}

func TestSearchPreciseFiltersByThreshold(t *testing.T) {
	ctx := context.Background()
	eng, _, embedder := newTestEngine(t)

	embedder.vectors["exact fact"] = []float32{1, 0, 0, 0}
	embedder.vectors["loosely related"] = []float32{0.5, 0.5, 0.5, 0.5}
	embedder.vectors["the query"] = []float32{1, 0, 0, 0}

	if _, err := eng.CreateMemory(ctx, "exact", "exact fact", "text/plain", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.CreateMemory(ctx, "loose", "loosely related", "text/plain", "test"); err != nil {
		t.Fatalf("create: %v", err)
	}

	results, err := eng.SearchPrecise(ctx, "the query", 0)
	if err != nil {
		t.Fatalf("precise search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "exact" {
		t.Fatalf("got %v, want only the exact match above 0.95", titles(results))
	}

	// A permissive threshold lets the loose match through.
	results, err = eng.SearchPrecise(ctx, "the query", 0.4)
	if err != nil {
		t.Fatalf("precise search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results at threshold 0.4, want 2", len(results))
	}
}

func TestSearchPreciseToleratesStaleIndex(t *testing.T) {
	ctx := context.Background()
	eng, store, embedder := newTestEngine(t)

	embedder.vectors["stale fact"] = []float32{1, 0, 0, 0}
	embedder.vectors["the query"] = []float32{1, 0, 0, 0}

	m, err := eng.CreateMemory(ctx, "stale", "stale fact", "text/plain", "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Remove from the store only: the index entry stays behind, as it
	// would after a failed best-effort removal.
	if _, err := store.Remove(ctx, m.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	results, err := eng.SearchPrecise(ctx, "the query", 0)
	if err != nil {
		t.Fatalf("precise search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("stale index entry leaked into results: %v", titles(results))
	}
}

func TestCreateMemoryFailsAtomicallyOnEmbeddingError(t *testing.T) {
	ctx := context.Background()
	eng, store, embedder := newTestEngine(t)

	embedder.fail["doomed content"] = true

	_, err := eng.CreateMemory(ctx, "doomed", "doomed content", "text/plain", "test")
	var embErr *memory.EmbeddingError
	if !errors.As(err, &embErr) {
		t.Fatalf("got %v, want *memory.EmbeddingError", err)
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("memory was persisted despite embedding failure")
	}
}

func TestUpdateMemoryReembedsAndReindexes(t *testing.T) {
	ctx := context.Background()
	eng, store, embedder := newTestEngine(t)

	embedder.vectors["old content"] = []float32{1, 0, 0, 0}
	embedder.vectors["new content"] = []float32{0, 1, 0, 0}
	embedder.vectors["probe"] = []float32{0, 1, 0, 0}

	m, err := eng.CreateMemory(ctx, "note", "old content", "text/plain", "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := eng.UpdateMemory(ctx, m, "note v2", "new content", ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	stored, err := store.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Title != "note v2" || stored.Embedding == nil || stored.Embedding.SourceText != "new content" {
		t.Fatalf("update not persisted: %+v", stored)
	}

	// The index entry was upserted under the same UUID.
	results, err := eng.SearchPrecise(ctx, "probe", 0)
	if err != nil {
		t.Fatalf("precise search: %v", err)
	}
	if len(results) != 1 || results[0].UUID != m.UUID {
		t.Fatalf("index not updated with new vector")
	}
	if eng.Index().Count() != 1 {
		t.Fatalf("index holds %d entries, want 1 (upsert, not insert)", eng.Index().Count())
	}
}

func TestDeleteMemoryCascadesLinks(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)

	a, err := eng.CreateMemory(ctx, "a", "memory a", "text/plain", "test")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := eng.CreateMemory(ctx, "b", "memory b", "text/plain", "test")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	c, err := eng.CreateMemory(ctx, "c", "memory c", "text/plain", "test")
	if err != nil {
		t.Fatalf("create c: %v", err)
	}

	if _, err := eng.LinkMemories(ctx, a, c, "refers_to", 1.0, ""); err != nil {
		t.Fatalf("link a->c: %v", err)
	}
	if _, err := eng.LinkMemories(ctx, c, b, "refers_to", 1.0, ""); err != nil {
		t.Fatalf("link c->b: %v", err)
	}

	ok, err := eng.DeleteMemory(ctx, c.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Fatalf("delete reported memory missing")
	}

	for _, id := range []int64{a.ID, b.ID, c.ID} {
		from, err := store.LinksFrom(ctx, id)
		if err != nil {
			t.Fatalf("links from %d: %v", id, err)
		}
		to, err := store.LinksTo(ctx, id)
		if err != nil {
			t.Fatalf("links to %d: %v", id, err)
		}
		if len(from) != 0 || len(to) != 0 {
			t.Fatalf("memory %d still has links after cascade", id)
		}
	}

	g, err := graph.NewProjector(store).All(ctx)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	for _, e := range g.Edges {
		if e.SourceID == c.UUID || e.TargetID == c.UUID {
			t.Fatalf("graph still references deleted memory %s", c.UUID)
		}
	}
}

func TestLinkMutationTouchesSourceMemory(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)

	a, err := eng.CreateMemory(ctx, "a", "memory a", "text/plain", "test")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := eng.CreateMemory(ctx, "b", "memory b", "text/plain", "test")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	link, err := eng.LinkMemories(ctx, a, b, "explains", 0, "")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if link.Weight != 1.0 {
		t.Fatalf("zero weight should default to 1.0, got %v", link.Weight)
	}

	before, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if _, err := eng.UpdateLink(ctx, link.ID, "causes", 0.5, "stronger claim"); err != nil {
		t.Fatalf("update link: %v", err)
	}

	after, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("source memory was not touched after edge-only mutation")
	}

	links, err := eng.OutgoingLinks(ctx, a.ID)
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	if len(links) != 1 || links[0].Type != "causes" || links[0].Weight != 0.5 {
		t.Fatalf("link mutation not visible on re-read: %+v", links)
	}

	removed, err := eng.DeleteLink(ctx, link.ID)
	if err != nil {
		t.Fatalf("delete link: %v", err)
	}
	if !removed {
		t.Fatalf("delete link reported missing")
	}
	backlinks, err := eng.IncomingLinks(ctx, b.ID)
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}
	if len(backlinks) != 0 {
		t.Fatalf("backlink survived link deletion")
	}
}

func TestAddTagIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)

	m, err := eng.CreateMemory(ctx, "tagged", "some content", "text/plain", "test")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := eng.AddTag(ctx, m, "Person")
	if err != nil {
		t.Fatalf("add tag: %v", err)
	}
	second, err := eng.AddTag(ctx, m, "Person")
	if err != nil {
		t.Fatalf("re-add tag: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("tag was recreated instead of reused")
	}

	tags, err := store.TagsFor(ctx, m.ID)
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("got %d tag attachments, want 1", len(tags))
	}
}
