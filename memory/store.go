package memory

import "context"

// Field selects which memory column a substring query runs against.
type Field string

const (
	FieldTitle   Field = "title"
	FieldContent Field = "content"
)

// Store is the durable entity store for memories, links and tags.
//
// Lookups that miss return (nil, nil); errors are reserved for storage
// failures and always wrap *StoreError. Link collections are modeled as
// queries, not materialized fields: LinksFrom/LinksTo read current rows on
// every call, so a caller never observes a stale collection after an
// out-of-band link mutation.
type Store interface {
	// Memories.
	Get(ctx context.Context, id int64) (*Memory, error)
	FindByUUID(ctx context.Context, uuid string) (*Memory, error)
	FindByTitle(ctx context.Context, title string) (*Memory, error)
	// QueryContains returns memories where any of the given fields
	// contains substr. Result order is store order (ascending id).
	QueryContains(ctx context.Context, fields []Field, substr string, caseInsensitive bool) ([]*Memory, error)
	Put(ctx context.Context, m *Memory) (int64, error)
	Remove(ctx context.Context, id int64) (bool, error)
	All(ctx context.Context) ([]*Memory, error)

	// Links.
	GetLink(ctx context.Context, id int64) (*Link, error)
	PutLink(ctx context.Context, l *Link) (int64, error)
	RemoveLink(ctx context.Context, id int64) (bool, error)
	LinksFrom(ctx context.Context, memoryID int64) ([]*Link, error)
	LinksTo(ctx context.Context, memoryID int64) ([]*Link, error)
	// RemoveLinksTouching deletes every link whose source or target is
	// the given memory and returns how many were removed.
	RemoveLinksTouching(ctx context.Context, memoryID int64) (int64, error)

	// Tags.
	FindTag(ctx context.Context, name string) (*Tag, error)
	PutTag(ctx context.Context, t *Tag) (int64, error)
	AttachTag(ctx context.Context, memoryID, tagID int64) error
	TagsFor(ctx context.Context, memoryID int64) ([]*Tag, error)

	Close() error
}
