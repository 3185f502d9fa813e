// Package memory provides in-memory store implementations for local
// development and tests. The document store honors unique indexes so
// duplicate-key behavior matches a real server closely enough to drive
// the sink's failure-counting policy.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/JakeFAU/mongodb-sink/internal/storage"
)

// Store is an in-memory DocumentStore.
type Store struct {
	mu          sync.Mutex
	collections map[string]*CollectionState
}

// NewStore constructs an empty in-memory document store.
func NewStore() *Store {
	return &Store{collections: make(map[string]*CollectionState)}
}

// Collection returns a handle for the named collection, creating it lazily.
func (s *Store) Collection(name string) storage.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.collections[name]
	if !ok {
		st = &CollectionState{name: name}
		s.collections[name] = st
	}
	return st
}

// State exposes the raw collection state for assertions in tests.
func (s *Store) State(name string) *CollectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collections[name]
}

// Close for the in-memory store does nothing.
func (s *Store) Close(_ context.Context) error { return nil }

// CollectionState is one in-memory collection plus its unique indexes.
type CollectionState struct {
	name    string
	Docs    []bson.D
	Indexes [][]string
}

// Name returns the collection name.
func (c *CollectionState) Name() string { return c.name }

// InsertOne appends the document, rejecting unique index violations.
func (c *CollectionState) InsertOne(_ context.Context, doc bson.D) error {
	if c.violates(doc) {
		return &storage.DuplicateKeyError{Docs: 1, Err: fmt.Errorf("E11000 duplicate key in %s", c.name)}
	}
	c.Docs = append(c.Docs, doc)
	return nil
}

// InsertMany appends the batch with continue-on-error semantics: every
// document is attempted and uniqueness violations are reported in
// aggregate afterwards.
func (c *CollectionState) InsertMany(_ context.Context, docs []bson.D) error {
	dups := 0
	for _, doc := range docs {
		if c.violates(doc) {
			dups++
			continue
		}
		c.Docs = append(c.Docs, doc)
	}
	if dups > 0 {
		return &storage.DuplicateKeyError{Docs: dups, Err: fmt.Errorf("E11000 duplicate key in %s", c.name)}
	}
	return nil
}

// ReplaceUpsert replaces the first document matching filter, inserting
// the document when no match exists.
func (c *CollectionState) ReplaceUpsert(_ context.Context, filter bson.D, doc bson.D) error {
	for i, existing := range c.Docs {
		if matches(existing, filter) {
			c.Docs[i] = doc
			return nil
		}
	}
	c.Docs = append(c.Docs, doc)
	return nil
}

// EnsureUniqueIndex records the index keys; repeated calls are no-ops.
func (c *CollectionState) EnsureUniqueIndex(_ context.Context, keys []string) error {
	for _, existing := range c.Indexes {
		if equalKeys(existing, keys) {
			return nil
		}
	}
	c.Indexes = append(c.Indexes, append([]string(nil), keys...))
	return nil
}

// violates reports whether doc collides with an existing document on any
// unique index of the collection.
func (c *CollectionState) violates(doc bson.D) bool {
	for _, keys := range c.Indexes {
		filter := make(bson.D, 0, len(keys))
		for _, k := range keys {
			if v, ok := lookup(doc, k); ok {
				filter = append(filter, bson.E{Key: k, Value: v})
			}
		}
		if len(filter) == 0 {
			continue
		}
		for _, existing := range c.Docs {
			if matches(existing, filter) {
				return true
			}
		}
	}
	return false
}

func lookup(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func matches(doc bson.D, filter bson.D) bool {
	for _, f := range filter {
		v, ok := lookup(doc, f.Key)
		if !ok || v != f.Value {
			return false
		}
	}
	return len(filter) > 0
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LargeObjectStore is an in-memory LargeObjectStore that records every
// stored blob and hands back a generated string handle.
type LargeObjectStore struct {
	mu    sync.Mutex
	Blobs map[string][]byte
}

// NewLargeObjectStore constructs an empty in-memory large-object store.
func NewLargeObjectStore() *LargeObjectStore {
	return &LargeObjectStore{Blobs: make(map[string][]byte)}
}

// Put stores data under a generated handle and returns the handle.
func (s *LargeObjectStore) Put(_ context.Context, data []byte) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := "memory://" + uuid.NewString()
	s.Blobs[handle] = append([]byte(nil), data...)
	return handle, nil
}
