package memory

import "fmt"

// StoreError is a durable-storage I/O or constraint failure. It is not
// retried by the engine; callers decide whether to retry the enclosing
// user action.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// EmbeddingError means embedding generation failed for content that
// requires one. Mutations depending on a fresh embedding fail outright
// rather than persisting an inconsistent record.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexInitError means the vector index backing file was unreadable or
// corrupt at startup. It is recovered by discarding the backing file and
// rebuilding from the store, never by failing the process.
type IndexInitError struct {
	Path string
	Err  error
}

func (e *IndexInitError) Error() string {
	return fmt.Sprintf("index init %s: %v", e.Path, e.Err)
}

func (e *IndexInitError) Unwrap() error { return e.Err }
