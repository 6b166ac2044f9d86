// Package sqlite implements the memory.Store contract on a single SQLite
// database file. It is pure Go (modernc.org/sqlite), so a profile's store
// is one file with no external dependencies.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/engramlabs/engram-go/memory"
)

// Store is the SQLite-backed entity store.
// Reads may run concurrently; SQLite serializes writes internally.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &memory.StoreError{Op: "open", Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &memory.StoreError{Op: "open", Err: err}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	queries := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT 'text/plain',
			source TEXT NOT NULL DEFAULT '',
			embedding BLOB,
			embedding_text TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_title ON memories(title);`,
		`CREATE TABLE IF NOT EXISTS links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL REFERENCES memories(id),
			target_id INTEGER NOT NULL REFERENCES memories(id),
			type TEXT NOT NULL DEFAULT '',
			weight REAL NOT NULL DEFAULT 1.0,
			description TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_links_source ON links(source_id);`,
		`CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_id);`,
		`CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS memory_tags (
			memory_id INTEGER NOT NULL REFERENCES memories(id),
			tag_id INTEGER NOT NULL REFERENCES tags(id),
			PRIMARY KEY (memory_id, tag_id)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return &memory.StoreError{Op: "init schema", Err: err}
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const memoryColumns = `id, uuid, title, content, content_type, source, embedding, embedding_text, created_at, updated_at`

// Get fetches a memory by its numeric id. Returns (nil, nil) on miss.
func (s *Store) Get(ctx context.Context, id int64) (*memory.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	return scanMemory(row, "get memory")
}

// FindByUUID fetches a memory by its UUID. Returns (nil, nil) on miss.
func (s *Store) FindByUUID(ctx context.Context, uuid string) (*memory.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE uuid = ?`, uuid)
	return scanMemory(row, "find by uuid")
}

// FindByTitle fetches the first memory with an exactly matching title.
func (s *Store) FindByTitle(ctx context.Context, title string) (*memory.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE title = ? ORDER BY id LIMIT 1`, title)
	return scanMemory(row, "find by title")
}

// QueryContains returns memories where any of the given fields contains
// substr, in ascending id order. instr avoids LIKE wildcard escaping;
// lower() makes the match case-insensitive for ASCII, which is what the
// original keyword pass provides.
func (s *Store) QueryContains(ctx context.Context, fields []memory.Field, substr string, caseInsensitive bool) ([]*memory.Memory, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	var conds []string
	var args []any
	for _, f := range fields {
		col, err := columnFor(f)
		if err != nil {
			return nil, err
		}
		if caseInsensitive {
			conds = append(conds, fmt.Sprintf("instr(lower(%s), ?) > 0", col))
			args = append(args, strings.ToLower(substr))
		} else {
			conds = append(conds, fmt.Sprintf("instr(%s, ?) > 0", col))
			args = append(args, substr)
		}
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE ` +
		strings.Join(conds, " OR ") + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &memory.StoreError{Op: "query contains", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows, "query contains")
}

// Put inserts the memory when its ID is zero, otherwise updates the
// existing row. The assigned id is returned and written back to m.
func (s *Store) Put(ctx context.Context, m *memory.Memory) (int64, error) {
	vec, text := encodeEmbedding(m.Embedding)

	if m.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO memories (uuid, title, content, content_type, source, embedding, embedding_text, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.UUID, m.Title, m.Content, m.ContentType, m.Source,
			vec, text, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano())
		if err != nil {
			return 0, &memory.StoreError{Op: "insert memory", Err: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, &memory.StoreError{Op: "insert memory", Err: err}
		}
		m.ID = id
		return id, nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET uuid = ?, title = ?, content = ?, content_type = ?, source = ?,
		 embedding = ?, embedding_text = ?, created_at = ?, updated_at = ? WHERE id = ?`,
		m.UUID, m.Title, m.Content, m.ContentType, m.Source,
		vec, text, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(), m.ID)
	if err != nil {
		return 0, &memory.StoreError{Op: "update memory", Err: err}
	}
	return m.ID, nil
}

// Remove deletes a memory row. It reports whether a row was removed.
// Link cleanup is the caller's responsibility (see engine.DeleteMemory).
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_tags WHERE memory_id = ?`, id); err != nil {
		return false, &memory.StoreError{Op: "remove memory tags", Err: err}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, &memory.StoreError{Op: "remove memory", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &memory.StoreError{Op: "remove memory", Err: err}
	}
	return n > 0, nil
}

// All returns every memory in store order (ascending id).
func (s *Store) All(ctx context.Context) ([]*memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories ORDER BY id`)
	if err != nil {
		return nil, &memory.StoreError{Op: "all memories", Err: err}
	}
	defer rows.Close()
	return scanMemories(rows, "all memories")
}

// --- Links ---

const linkColumns = `id, source_id, target_id, type, weight, description`

// GetLink fetches a link by id. Returns (nil, nil) on miss.
func (s *Store) GetLink(ctx context.Context, id int64) (*memory.Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM links WHERE id = ?`, id)
	l, err := scanLink(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &memory.StoreError{Op: "get link", Err: err}
	}
	return l, nil
}

// PutLink inserts or updates a link and returns its id.
func (s *Store) PutLink(ctx context.Context, l *memory.Link) (int64, error) {
	if l.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO links (source_id, target_id, type, weight, description) VALUES (?, ?, ?, ?, ?)`,
			l.SourceID, l.TargetID, l.Type, l.Weight, l.Description)
		if err != nil {
			return 0, &memory.StoreError{Op: "insert link", Err: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, &memory.StoreError{Op: "insert link", Err: err}
		}
		l.ID = id
		return id, nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE links SET source_id = ?, target_id = ?, type = ?, weight = ?, description = ? WHERE id = ?`,
		l.SourceID, l.TargetID, l.Type, l.Weight, l.Description, l.ID)
	if err != nil {
		return 0, &memory.StoreError{Op: "update link", Err: err}
	}
	return l.ID, nil
}

// RemoveLink deletes one link row and reports whether it existed.
func (s *Store) RemoveLink(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, id)
	if err != nil {
		return false, &memory.StoreError{Op: "remove link", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &memory.StoreError{Op: "remove link", Err: err}
	}
	return n > 0, nil
}

// LinksFrom returns the memory's outgoing links, freshly read.
func (s *Store) LinksFrom(ctx context.Context, memoryID int64) ([]*memory.Link, error) {
	return s.queryLinks(ctx,
		`SELECT `+linkColumns+` FROM links WHERE source_id = ? ORDER BY id`, memoryID)
}

// LinksTo returns the memory's incoming links (backlinks), freshly read.
func (s *Store) LinksTo(ctx context.Context, memoryID int64) ([]*memory.Link, error) {
	return s.queryLinks(ctx,
		`SELECT `+linkColumns+` FROM links WHERE target_id = ? ORDER BY id`, memoryID)
}

// RemoveLinksTouching deletes every link referencing the memory as source
// or target and returns how many were removed.
func (s *Store) RemoveLinksTouching(ctx context.Context, memoryID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM links WHERE source_id = ? OR target_id = ?`, memoryID, memoryID)
	if err != nil {
		return 0, &memory.StoreError{Op: "remove links touching", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &memory.StoreError{Op: "remove links touching", Err: err}
	}
	return n, nil
}

func (s *Store) queryLinks(ctx context.Context, query string, args ...any) ([]*memory.Link, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &memory.StoreError{Op: "query links", Err: err}
	}
	defer rows.Close()

	var links []*memory.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, &memory.StoreError{Op: "scan link", Err: err}
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, &memory.StoreError{Op: "query links", Err: err}
	}
	return links, nil
}

// --- Tags ---

// FindTag fetches a tag by exact, case-sensitive name.
func (s *Store) FindTag(ctx context.Context, name string) (*memory.Tag, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name FROM tags WHERE name = ?`, name)
	var t memory.Tag
	if err := row.Scan(&t.ID, &t.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &memory.StoreError{Op: "find tag", Err: err}
	}
	return &t, nil
}

// PutTag inserts or updates a tag and returns its id.
func (s *Store) PutTag(ctx context.Context, t *memory.Tag) (int64, error) {
	if t.ID == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO tags (name) VALUES (?)`, t.Name)
		if err != nil {
			return 0, &memory.StoreError{Op: "insert tag", Err: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, &memory.StoreError{Op: "insert tag", Err: err}
		}
		t.ID = id
		return id, nil
	}

	_, err := s.db.ExecContext(ctx, `UPDATE tags SET name = ? WHERE id = ?`, t.Name, t.ID)
	if err != nil {
		return 0, &memory.StoreError{Op: "update tag", Err: err}
	}
	return t.ID, nil
}

// AttachTag associates a tag with a memory. Attaching twice is a no-op.
func (s *Store) AttachTag(ctx context.Context, memoryID, tagID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memory_tags (memory_id, tag_id) VALUES (?, ?)`, memoryID, tagID)
	if err != nil {
		return &memory.StoreError{Op: "attach tag", Err: err}
	}
	return nil
}

// TagsFor returns the memory's tags in attachment (tag id) order.
func (s *Store) TagsFor(ctx context.Context, memoryID int64) ([]*memory.Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name FROM tags t
		 JOIN memory_tags mt ON mt.tag_id = t.id
		 WHERE mt.memory_id = ? ORDER BY t.id`, memoryID)
	if err != nil {
		return nil, &memory.StoreError{Op: "tags for memory", Err: err}
	}
	defer rows.Close()

	var tags []*memory.Tag
	for rows.Next() {
		var t memory.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, &memory.StoreError{Op: "scan tag", Err: err}
		}
		tags = append(tags, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, &memory.StoreError{Op: "tags for memory", Err: err}
	}
	return tags, nil
}

// --- Row scanning and vector encoding ---

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner, op string) (*memory.Memory, error) {
	var (
		m         memory.Memory
		vecBlob   []byte
		embedText string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&m.ID, &m.UUID, &m.Title, &m.Content, &m.ContentType,
		&m.Source, &vecBlob, &embedText, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &memory.StoreError{Op: op, Err: err}
	}
	m.CreatedAt = time.Unix(0, createdAt)
	m.UpdatedAt = time.Unix(0, updatedAt)
	m.Embedding = decodeEmbedding(vecBlob, embedText)
	return &m, nil
}

func scanMemories(rows *sql.Rows, op string) ([]*memory.Memory, error) {
	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows, op)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &memory.StoreError{Op: op, Err: err}
	}
	return out, nil
}

func scanLink(row scanner) (*memory.Link, error) {
	var l memory.Link
	if err := row.Scan(&l.ID, &l.SourceID, &l.TargetID, &l.Type, &l.Weight, &l.Description); err != nil {
		return nil, err
	}
	return &l, nil
}

// encodeEmbedding serializes a vector as little-endian float32s.
// A nil embedding stays NULL in the database.
func encodeEmbedding(e *memory.Embedding) ([]byte, string) {
	if e == nil || len(e.Vector) == 0 {
		return nil, ""
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, e.Vector); err != nil {
		return nil, ""
	}
	return buf.Bytes(), e.SourceText
}

func decodeEmbedding(blob []byte, text string) *memory.Embedding {
	if len(blob) == 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil
	}
	return &memory.Embedding{Vector: vec, SourceText: text}
}

func columnFor(f memory.Field) (string, error) {
	switch f {
	case memory.FieldTitle:
		return "title", nil
	case memory.FieldContent:
		return "content", nil
	default:
		return "", &memory.StoreError{Op: "query contains", Err: fmt.Errorf("unknown field %q", f)}
	}
}
