package engine

import (
	"context"
	"log"
	"time"

	"github.com/engramlabs/engram-go/memory"
)

// CreateMemory embeds content, persists a new memory and inserts it into
// the vector index. If embedding generation fails the whole creation
// fails with *memory.EmbeddingError: this path never produces a memory
// without an embedding.
func (e *Engine) CreateMemory(ctx context.Context, title, content, contentType, source string) (*memory.Memory, error) {
	vec, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return nil, &memory.EmbeddingError{Err: err}
	}

	m := memory.New(title, content, contentType, source)
	m.Embedding = &memory.Embedding{Vector: vec, SourceText: content}

	if _, err := e.store.Put(ctx, m); err != nil {
		return nil, err
	}
	if err := e.index.Add(ctx, m.UUID, vec); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMemory re-embeds the new content and persists the changed memory
// under its existing UUID, then upserts the index entry. Embedding
// failure aborts the update with *memory.EmbeddingError.
func (e *Engine) UpdateMemory(ctx context.Context, m *memory.Memory, newTitle, newContent, newContentType string) (*memory.Memory, error) {
	vec, err := e.embedder.Embed(ctx, newContent)
	if err != nil {
		return nil, &memory.EmbeddingError{Err: err}
	}

	m.Title = newTitle
	m.Content = newContent
	if newContentType != "" {
		m.ContentType = newContentType
	}
	m.Embedding = &memory.Embedding{Vector: vec, SourceText: newContent}
	m.UpdatedAt = time.Now()

	if _, err := e.store.Put(ctx, m); err != nil {
		return nil, err
	}
	if err := e.index.Add(ctx, m.UUID, vec); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMemory removes a memory, cascading over every link that
// references it before the memory row itself goes away, so no dangling
// link is ever left behind. The index entry is removed best-effort last.
// It reports whether the memory existed.
func (e *Engine) DeleteMemory(ctx context.Context, id int64) (bool, error) {
	m, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}

	removed, err := e.store.RemoveLinksTouching(ctx, id)
	if err != nil {
		return false, err
	}
	if removed > 0 {
		log.Printf("[ENGINE] Removed %d links before deleting memory %d", removed, id)
	}

	ok, err := e.store.Remove(ctx, id)
	if err != nil {
		return false, err
	}

	e.index.Remove(ctx, m.UUID)
	return ok, nil
}

// LinkMemories creates one directed link from source to target. A zero
// weight defaults to 1.0. The source memory is re-persisted afterwards:
// its outgoing collection changed, and the touch makes that visible to
// readers holding a previously materialized view.
func (e *Engine) LinkMemories(ctx context.Context, source, target *memory.Memory, linkType string, weight float32, description string) (*memory.Link, error) {
	if weight == 0 {
		weight = 1.0
	}

	link := &memory.Link{
		SourceID:    source.ID,
		TargetID:    target.ID,
		Type:        linkType,
		Weight:      weight,
		Description: description,
	}
	if _, err := e.store.PutLink(ctx, link); err != nil {
		return nil, err
	}
	if err := e.touch(ctx, source.ID); err != nil {
		return nil, err
	}
	return link, nil
}

// UpdateLink rewrites a link's type, weight and description, then touches
// the owning source memory. Returns (nil, nil) when the link is gone.
func (e *Engine) UpdateLink(ctx context.Context, linkID int64, linkType string, weight float32, description string) (*memory.Link, error) {
	link, err := e.store.GetLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, nil
	}

	link.Type = linkType
	link.Weight = weight
	link.Description = description
	if _, err := e.store.PutLink(ctx, link); err != nil {
		return nil, err
	}
	if err := e.touch(ctx, link.SourceID); err != nil {
		return nil, err
	}
	return link, nil
}

// DeleteLink removes a link and touches its former source memory.
// It reports whether the link existed.
func (e *Engine) DeleteLink(ctx context.Context, linkID int64) (bool, error) {
	link, err := e.store.GetLink(ctx, linkID)
	if err != nil {
		return false, err
	}
	if link == nil {
		return false, nil
	}

	removed, err := e.store.RemoveLink(ctx, linkID)
	if err != nil {
		return false, err
	}
	if removed {
		if err := e.touch(ctx, link.SourceID); err != nil {
			return false, err
		}
	}
	return removed, nil
}

// AddTag attaches the named tag to the memory, creating the tag on first
// use. Attaching an already-attached tag is a no-op.
func (e *Engine) AddTag(ctx context.Context, m *memory.Memory, tagName string) (*memory.Tag, error) {
	tag, err := e.store.FindTag(ctx, tagName)
	if err != nil {
		return nil, err
	}
	if tag == nil {
		tag = &memory.Tag{Name: tagName}
		if _, err := e.store.PutTag(ctx, tag); err != nil {
			return nil, err
		}
	}
	if err := e.store.AttachTag(ctx, m.ID, tag.ID); err != nil {
		return nil, err
	}
	return tag, nil
}

// OutgoingLinks returns the memory's current outgoing links.
func (e *Engine) OutgoingLinks(ctx context.Context, memoryID int64) ([]*memory.Link, error) {
	return e.store.LinksFrom(ctx, memoryID)
}

// IncomingLinks returns the memory's current backlinks.
func (e *Engine) IncomingLinks(ctx context.Context, memoryID int64) ([]*memory.Link, error) {
	return e.store.LinksTo(ctx, memoryID)
}

// touch re-persists a memory with a fresh UpdatedAt. Edge-only mutations
// call this on the owning memory so its relationship collections are
// observably newer than any cached view.
func (e *Engine) touch(ctx context.Context, memoryID int64) error {
	m, err := e.store.Get(ctx, memoryID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	m.UpdatedAt = time.Now()
	_, err = e.store.Put(ctx, m)
	return err
}
