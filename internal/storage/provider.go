// Package storage defines the interfaces for the document store and the
// large-object store consumed by the item sink. The abstraction keeps
// the sink independent of a specific driver and lets tests run against
// in-memory implementations.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Collection is one open handle into the document store.
type Collection interface {
	// Name returns the display name of the collection.
	Name() string

	// InsertOne inserts a single document. A uniqueness violation is
	// reported as a *DuplicateKeyError.
	InsertOne(ctx context.Context, doc bson.D) error

	// InsertMany inserts a batch with continue-on-error semantics: a
	// failing document must not prevent the remaining documents from
	// being attempted. When every failure in the batch is a uniqueness
	// violation the error is a *DuplicateKeyError carrying the count.
	InsertMany(ctx context.Context, docs []bson.D) error

	// ReplaceUpsert replaces the document matching filter, inserting it
	// when absent.
	ReplaceUpsert(ctx context.Context, filter bson.D, doc bson.D) error

	// EnsureUniqueIndex creates a unique index over the given keys if it
	// does not already exist. Safe to call repeatedly.
	EnsureUniqueIndex(ctx context.Context, keys []string) error
}

// DocumentStore is an open connection to the document database.
type DocumentStore interface {
	// Collection returns a handle for the named collection, creating it
	// lazily on first write.
	Collection(name string) Collection

	// Close releases the underlying client.
	Close(ctx context.Context) error
}

// LargeObjectStore persists oversized field values outside the main
// document and hands back a reference to store in their place.
type LargeObjectStore interface {
	// Put stores data and returns an opaque reference handle suitable
	// for embedding in a BSON document (an ObjectID for GridFS, a URI
	// string for object-store backends).
	Put(ctx context.Context, data []byte) (any, error)
}

// DuplicateKeyError reports one or more uniqueness violations during an
// insert. Docs is the number of offending documents.
type DuplicateKeyError struct {
	Docs int
	Err  error
}

// Error implements the error interface.
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key on %d document(s): %v", e.Docs, e.Err)
}

// Unwrap exposes the underlying driver error.
func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// AsDuplicateKey returns the typed duplicate-key error wrapped in err, if any.
func AsDuplicateKey(err error) (*DuplicateKeyError, bool) {
	var dup *DuplicateKeyError
	if errors.As(err, &dup) {
		return dup, true
	}
	return nil, false
}

// NoOpLargeObjectStore discards data and returns a fixed handle. Useful
// for dry runs where documents should be written without blob storage.
type NoOpLargeObjectStore struct{}

// Put for NoOpLargeObjectStore does nothing and returns a placeholder handle.
func (n *NoOpLargeObjectStore) Put(_ context.Context, _ []byte) (any, error) {
	return "noop-large-object", nil
}
