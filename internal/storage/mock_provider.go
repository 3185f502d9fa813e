package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson"
)

// MockCollection is a mock implementation of the Collection interface for testing.
type MockCollection struct {
	mock.Mock
}

// Name is the mock implementation of the Name method.
func (m *MockCollection) Name() string {
	args := m.Called()
	return args.String(0)
}

// InsertOne is the mock implementation of the InsertOne method.
func (m *MockCollection) InsertOne(ctx context.Context, doc bson.D) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

// InsertMany is the mock implementation of the InsertMany method.
func (m *MockCollection) InsertMany(ctx context.Context, docs []bson.D) error {
	args := m.Called(ctx, docs)
	return args.Error(0)
}

// ReplaceUpsert is the mock implementation of the ReplaceUpsert method.
func (m *MockCollection) ReplaceUpsert(ctx context.Context, filter bson.D, doc bson.D) error {
	args := m.Called(ctx, filter, doc)
	return args.Error(0)
}

// EnsureUniqueIndex is the mock implementation of the EnsureUniqueIndex method.
func (m *MockCollection) EnsureUniqueIndex(ctx context.Context, keys []string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

// MockDocumentStore is a mock implementation of the DocumentStore interface for testing.
type MockDocumentStore struct {
	mock.Mock
}

// Collection is the mock implementation of the Collection method.
func (m *MockDocumentStore) Collection(name string) Collection {
	args := m.Called(name)
	coll, _ := args.Get(0).(Collection)
	return coll
}

// Close is the mock implementation of the Close method.
func (m *MockDocumentStore) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}

// MockLargeObjectStore is a mock implementation of the LargeObjectStore interface for testing.
type MockLargeObjectStore struct {
	mock.Mock
}

// Put is the mock implementation of the Put method.
func (m *MockLargeObjectStore) Put(ctx context.Context, data []byte) (any, error) {
	args := m.Called(ctx, data)
	return args.Get(0), args.Error(1)
}
