package memory

import (
	"time"

	"github.com/google/uuid"
)

// Memory is a unit of knowledge.
//
// Identity is twofold: ID is the store-assigned numeric key (zero until
// first persisted), UUID is assigned at creation and never changes, so
// cross-references stay stable independent of the storage backend.
type Memory struct {
	ID   int64
	UUID string

	Title       string
	Content     string
	ContentType string
	Source      string

	// Embedding is nil when embedding generation failed or was never run.
	// When present its vector length always equals the deployment's
	// embedding dimensionality.
	Embedding *Embedding

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates an unpersisted Memory with a fresh UUID and timestamps.
func New(title, content, contentType, source string) *Memory {
	now := time.Now()
	return &Memory{
		UUID:        uuid.New().String(),
		Title:       title,
		Content:     content,
		ContentType: contentType,
		Source:      source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// HasEmbedding reports whether the memory carries a usable vector.
func (m *Memory) HasEmbedding() bool {
	return m != nil && m.Embedding != nil && len(m.Embedding.Vector) > 0
}

// Embedding pairs a dense vector with the text it was derived from.
type Embedding struct {
	Vector     []float32
	SourceText string
}

// Link is a directed, typed, weighted edge between two memories.
// Both endpoints are required once persisted; a link whose endpoint has
// been deleted is invalid and is removed (or filtered) rather than served.
type Link struct {
	ID          int64
	SourceID    int64
	TargetID    int64
	Type        string
	Weight      float32
	Description string
}

// Tag is a named label, unique by name (case-sensitive), attached
// many-to-many to memories. Tags are created lazily on first use.
type Tag struct {
	ID   int64
	Name string
}
