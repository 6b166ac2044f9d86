// Package graph projects memories and their links into a
// renderer-agnostic node/edge form. The projector knows nothing about
// layout or interaction; colors are categorical hints derived from a
// memory's first tag.
package graph

import (
	"context"
	"log"

	"github.com/engramlabs/engram-go/memory"
)

// Node is one memory in the projected graph.
type Node struct {
	// ID is the memory's UUID.
	ID string `json:"id"`
	// Label is the memory's title.
	Label string `json:"label"`
	// Color is a categorical display hint, not a domain property.
	Color string `json:"color"`
}

// Edge is one link in the projected graph. Both endpoints are guaranteed
// to be present in the graph's node set.
type Edge struct {
	ID       int64   `json:"id"`
	SourceID string  `json:"sourceId"`
	TargetID string  `json:"targetId"`
	Label    string  `json:"label"`
	Weight   float32 `json:"weight"`
}

// Graph is what gets handed to a renderer.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Tag-name to display color. Untagged memories get the default.
var tagColors = map[string]string{
	"Person":  "#81C784",
	"Concept": "#64B5F6",
}

const defaultColor = "#D3D3D3"

// Projector builds graphs from the entity store. Links are re-read from
// the store at projection time, so the emitted graph never reflects a
// stale relationship snapshot.
type Projector struct {
	store memory.Store
}

// NewProjector creates a projector over the given store.
func NewProjector(store memory.Store) *Projector {
	return &Projector{store: store}
}

// All projects the entire corpus.
func (p *Projector) All(ctx context.Context) (*Graph, error) {
	memories, err := p.store.All(ctx)
	if err != nil {
		return nil, err
	}
	// Over the full corpus a missing endpoint means the link itself is
	// dangling, which is worth surfacing.
	return p.project(ctx, memories, true)
}

// For projects exactly the supplied memories. Edges whose other endpoint
// falls outside the set are silently dropped, never emitted dangling.
func (p *Projector) For(ctx context.Context, memories []*memory.Memory) (*Graph, error) {
	return p.project(ctx, memories, false)
}

// ForSearchResults expands the supplied memories with every direct
// neighbor — link-forward and link-backward — before projecting, so a
// search-result subgraph shows immediate context even for memories the
// query itself did not match.
func (p *Projector) ForSearchResults(ctx context.Context, memories []*memory.Memory) (*Graph, error) {
	expanded := make([]*memory.Memory, 0, len(memories))
	seen := make(map[int64]bool, len(memories))
	for _, m := range memories {
		if !seen[m.ID] {
			seen[m.ID] = true
			expanded = append(expanded, m)
		}
	}

	for _, m := range memories {
		outgoing, err := p.store.LinksFrom(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, link := range outgoing {
			neighbor, err := p.resolve(ctx, link.TargetID, link.ID)
			if err != nil {
				return nil, err
			}
			if neighbor != nil && !seen[neighbor.ID] {
				seen[neighbor.ID] = true
				expanded = append(expanded, neighbor)
			}
		}

		incoming, err := p.store.LinksTo(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, link := range incoming {
			neighbor, err := p.resolve(ctx, link.SourceID, link.ID)
			if err != nil {
				return nil, err
			}
			if neighbor != nil && !seen[neighbor.ID] {
				seen[neighbor.ID] = true
				expanded = append(expanded, neighbor)
			}
		}
	}

	log.Printf("[GRAPH] Expanded %d memories to %d with neighbors", len(memories), len(expanded))
	return p.project(ctx, expanded, false)
}

// resolve fetches a link endpoint, logging (not failing) when it no
// longer exists.
func (p *Projector) resolve(ctx context.Context, memoryID, linkID int64) (*memory.Memory, error) {
	m, err := p.store.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		log.Printf("[GRAPH] Link %d references missing memory %d, skipping", linkID, memoryID)
	}
	return m, nil
}

// project builds the graph for the given memories. Edges are emitted only
// when both endpoints are in the node set and are deduplicated by link
// id.
func (p *Projector) project(ctx context.Context, memories []*memory.Memory, warnDangling bool) (*Graph, error) {
	uuidByID := make(map[int64]string, len(memories))
	for _, m := range memories {
		uuidByID[m.ID] = m.UUID
	}

	nodes := make([]Node, 0, len(memories))
	for _, m := range memories {
		tags, err := p.store.TagsFor(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, Node{
			ID:    m.UUID,
			Label: m.Title,
			Color: colorFor(tags),
		})
	}

	edges := make([]Edge, 0)
	emitted := make(map[int64]bool)
	for _, m := range memories {
		// Fresh read per memory; never a cached collection.
		links, err := p.store.LinksFrom(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if emitted[link.ID] {
				continue
			}
			sourceUUID, sourceOK := uuidByID[link.SourceID]
			targetUUID, targetOK := uuidByID[link.TargetID]
			if !sourceOK || !targetOK {
				if warnDangling {
					log.Printf("[GRAPH] Dropping link %d with unresolved endpoint (%d -> %d)",
						link.ID, link.SourceID, link.TargetID)
				}
				continue
			}
			emitted[link.ID] = true
			edges = append(edges, Edge{
				ID:       link.ID,
				SourceID: sourceUUID,
				TargetID: targetUUID,
				Label:    link.Type,
				Weight:   link.Weight,
			})
		}
	}

	log.Printf("[GRAPH] Built graph with %d nodes and %d edges", len(nodes), len(edges))
	return &Graph{Nodes: nodes, Edges: edges}, nil
}

func colorFor(tags []*memory.Tag) string {
	if len(tags) == 0 {
		return defaultColor
	}
	if c, ok := tagColors[tags[0].Name]; ok {
		return c
	}
	return defaultColor
}
