package sink

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/JakeFAU/mongodb-sink/internal/config"
	"github.com/JakeFAU/mongodb-sink/internal/notify"
	"github.com/JakeFAU/mongodb-sink/internal/storage"
	"github.com/JakeFAU/mongodb-sink/internal/storage/memory"
)

// stopRecorder captures stop requests issued by the writer.
type stopRecorder struct {
	reasons []string
}

func (s *stopRecorder) StopRun(reason string) {
	s.reasons = append(s.reasons, reason)
}

func docValue(t *testing.T, doc bson.D, key string) any {
	t.Helper()
	for _, e := range doc {
		if e.Key == key {
			return e.Value
		}
	}
	t.Fatalf("field %q not found in %v", key, doc)
	return nil
}

func hasKey(doc bson.D, key string) bool {
	for _, e := range doc {
		if e.Key == key {
			return true
		}
	}
	return false
}

func TestNewWriterRejectsBufferWithUniqueKey(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Buffer = 10
	cfg.UniqueKey = []string{"url"}

	_, err := NewWriter(cfg, memory.NewStore(), nil, nil, nil, nil)
	require.Error(t, err)
}

func TestNewWriterRejectsNegativeStopThreshold(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.StopOnDuplicate = -2

	_, err := NewWriter(cfg, memory.NewStore(), nil, nil, nil, nil)
	require.Error(t, err)
}

func TestUnbufferedWritesEachItemInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	w, err := NewWriter(baseConfig(), store, nil, nil, nil, nil)
	require.NoError(t, err)

	for _, url := range []string{"a", "b", "c"} {
		_, err := w.ProcessItem(ctx, NewItem().Set("url", url), "spider")
		require.NoError(t, err)
	}

	docs := store.State(config.DefaultCollection).Docs
	require.Len(t, docs, 3)
	assert.Equal(t, "a", docValue(t, docs[0], "url"))
	assert.Equal(t, "b", docValue(t, docs[1], "url"))
	assert.Equal(t, "c", docValue(t, docs[2], "url"))
}

func TestBufferedWritesFlushAtN(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Buffer = 3

	store := memory.NewStore()
	w, err := NewWriter(cfg, store, nil, nil, nil, nil)
	require.NoError(t, err)

	// No write happens before the N-th item.
	for i, url := range []string{"a", "b"} {
		doc, err := w.ProcessItem(ctx, NewItem().Set("url", url), "spider")
		require.NoError(t, err)
		// The transformed item is returned even though it is unwritten.
		assert.Equal(t, url, docValue(t, doc, "url"), "item %d", i)
		assert.Nil(t, store.State(config.DefaultCollection))
	}

	// The N-th item triggers exactly one batched write.
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "c"), "spider")
	require.NoError(t, err)
	require.Len(t, store.State(config.DefaultCollection).Docs, 3)

	// The buffer was reset: the next item does not write again until a
	// full batch accumulates.
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "d"), "spider")
	require.NoError(t, err)
	assert.Len(t, store.State(config.DefaultCollection).Docs, 3)
}

func TestCloseFlushesRemainingBuffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Buffer = 10

	store := memory.NewStore()
	w, err := NewWriter(cfg, store, nil, nil, nil, nil)
	require.NoError(t, err)

	for _, url := range []string{"a", "b", "c", "d"} {
		_, err := w.ProcessItem(ctx, NewItem().Set("url", url), "spider")
		require.NoError(t, err)
	}
	assert.Nil(t, store.State(config.DefaultCollection))

	require.NoError(t, w.Close(ctx, "spider"))
	assert.Len(t, store.State(config.DefaultCollection).Docs, 4)

	// A second close has nothing left to flush.
	require.NoError(t, w.Close(ctx, "spider"))
	assert.Len(t, store.State(config.DefaultCollection).Docs, 4)
}

func TestGridFieldsAreRoutedToLargeObjectStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	blobs := memory.NewLargeObjectStore()
	w, err := NewWriter(baseConfig(), store, blobs, nil, nil, nil)
	require.NoError(t, err)

	body := "<html>" + strings.Repeat("x", 100) + "</html>"
	item := NewItem().
		Set("url", "https://example.com").
		Set("body", body).
		Tag("body", config.DefaultGridFSTag)

	_, err = w.ProcessItem(ctx, item, "spider")
	require.NoError(t, err)

	docs := store.State(config.DefaultCollection).Docs
	require.Len(t, docs, 1)

	// The persisted field holds a reference handle, not the value.
	handle, ok := docValue(t, docs[0], "body").(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(handle, "memory://"))

	// The large-object store received the original value.
	assert.Equal(t, []byte(body), blobs.Blobs[handle])
}

func TestOversizedFieldsRouteWithoutTag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.GridFSThresholdBytes = 1024

	store := memory.NewStore()
	blobs := memory.NewLargeObjectStore()
	w, err := NewWriter(cfg, store, blobs, nil, nil, nil)
	require.NoError(t, err)

	item := NewItem().
		Set("url", "https://example.com").
		Set("body", strings.Repeat("x", 8192))

	_, err = w.ProcessItem(ctx, item, "spider")
	require.NoError(t, err)

	docs := store.State(config.DefaultCollection).Docs
	require.Len(t, docs, 1)
	_, isString := docValue(t, docs[0], "body").(string)
	require.True(t, isString)
	assert.Len(t, blobs.Blobs, 1)
	// The small field stayed inline.
	assert.Equal(t, "https://example.com", docValue(t, docs[0], "url"))
}

func TestEveryItemInBatchGetsGridRouting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Buffer = 2

	store := memory.NewStore()
	blobs := memory.NewLargeObjectStore()
	w, err := NewWriter(cfg, store, blobs, nil, nil, nil)
	require.NoError(t, err)

	for _, url := range []string{"a", "b"} {
		item := NewItem().
			Set("url", url).
			Set("body", "payload-"+url).
			Tag("body", config.DefaultGridFSTag)
		_, err := w.ProcessItem(ctx, item, "spider")
		require.NoError(t, err)
	}

	// Both items of the batch had their body uploaded, not just the first.
	assert.Len(t, blobs.Blobs, 2)
}

func TestAppendTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.AppendTimestamp = true

	store := memory.NewStore()
	w, err := NewWriter(cfg, store, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("url", "a"), "spider")
	require.NoError(t, err)

	docs := store.State(config.DefaultCollection).Docs
	require.Len(t, docs, 1)
	ts, ok := docValue(t, docs[0], timestampField).(bson.D)
	require.True(t, ok)
	assert.Equal(t, "ts", ts[0].Key)
}

func TestUniqueKeyUpsertOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.UniqueKey = []string{"id"}

	store := memory.NewStore()
	w, err := NewWriter(cfg, store, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("id", "42").Set("rev", 1), "spider")
	require.NoError(t, err)
	_, err = w.ProcessItem(ctx, NewItem().Set("id", "42").Set("rev", 2), "spider")
	require.NoError(t, err)

	// The collection ends with one document for that id.
	state := store.State(config.DefaultCollection)
	require.Len(t, state.Docs, 1)
	assert.Equal(t, 2, docValue(t, state.Docs[0], "rev"))

	// The unique index was ensured on the routed collection.
	require.Len(t, state.Indexes, 1)
	assert.Equal(t, []string{"id"}, state.Indexes[0])
}

func TestCompositeUniqueKeyUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.UniqueKey = []string{"site", "sku"}

	store := memory.NewStore()
	w, err := NewWriter(cfg, store, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("site", "a").Set("sku", "1").Set("rev", 1), "spider")
	require.NoError(t, err)
	_, err = w.ProcessItem(ctx, NewItem().Set("site", "a").Set("sku", "2").Set("rev", 1), "spider")
	require.NoError(t, err)
	_, err = w.ProcessItem(ctx, NewItem().Set("site", "a").Set("sku", "1").Set("rev", 2), "spider")
	require.NoError(t, err)

	state := store.State(config.DefaultCollection)
	require.Len(t, state.Docs, 2)
	assert.Equal(t, 2, docValue(t, state.Docs[0], "rev"))
}

func TestStopOnDuplicateFiresOnceAtThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.StopOnDuplicate = 2

	store := memory.NewStore()
	// Simulate a pre-existing unique index on the server. No unique key
	// is configured on the sink, so inserts can violate it.
	require.NoError(t, store.Collection(config.DefaultCollection).EnsureUniqueIndex(ctx, []string{"url"}))

	control := &stopRecorder{}
	w, err := NewWriter(cfg, store, nil, control, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("url", "same"), "spider")
	require.NoError(t, err)

	// First violation: counted, no stop yet.
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "same"), "spider")
	require.NoError(t, err)
	assert.Empty(t, control.reasons)
	assert.Equal(t, 1, w.DuplicateKeys())

	// Second violation reaches the threshold: exactly one stop request.
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "same"), "spider")
	require.NoError(t, err)
	require.Len(t, control.reasons, 1)
	assert.Contains(t, control.reasons[0], "duplicate key")

	// Third violation: counted, but no second stop request.
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "same"), "spider")
	require.NoError(t, err)
	assert.Len(t, control.reasons, 1)
	assert.Equal(t, 3, w.DuplicateKeys())
}

func TestDuplicatesIgnoredWithoutThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	require.NoError(t, store.Collection(config.DefaultCollection).EnsureUniqueIndex(ctx, []string{"url"}))

	control := &stopRecorder{}
	w, err := NewWriter(baseConfig(), store, nil, control, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := w.ProcessItem(ctx, NewItem().Set("url", "same"), "spider")
		require.NoError(t, err)
	}

	// Violations are recovered but never counted or escalated.
	assert.Empty(t, control.reasons)
	assert.Equal(t, 0, w.DuplicateKeys())
}

func TestStopPublishesNotification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.StopOnDuplicate = 1

	store := memory.NewStore()
	require.NoError(t, store.Collection(config.DefaultCollection).EnsureUniqueIndex(ctx, []string{"url"}))

	notifier := &notify.MockProvider{}
	notifier.On("Publish", mock.Anything, mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "duplicate key")
	})).Return(nil).Once()

	w, err := NewWriter(cfg, store, nil, &stopRecorder{}, notifier, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("url", "same"), "spider")
	require.NoError(t, err)
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "same"), "spider")
	require.NoError(t, err)

	notifier.AssertExpectations(t)
}

func TestSeparateCollectionsRouting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.SeparateCollections = true

	store := memory.NewStore()
	w, err := NewWriter(cfg, store, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("url", "a"), "books")
	require.NoError(t, err)
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "b"), "films")
	require.NoError(t, err)
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "c"), "books")
	require.NoError(t, err)

	assert.Len(t, store.State("books").Docs, 2)
	assert.Len(t, store.State("films").Docs, 1)
	assert.Nil(t, store.State(config.DefaultCollection))
}

func TestDefaultCollectionWhenRoutingDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	w, err := NewWriter(baseConfig(), store, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("url", "a"), "books")
	require.NoError(t, err)

	assert.Nil(t, store.State("books"))
	assert.Len(t, store.State(config.DefaultCollection).Docs, 1)
}

func TestLargeObjectFailurePropagates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	blobs := &storage.MockLargeObjectStore{}
	blobs.On("Put", mock.Anything, mock.Anything).Return(nil, errors.New("bucket unavailable"))

	w, err := NewWriter(baseConfig(), memory.NewStore(), blobs, nil, nil, nil)
	require.NoError(t, err)

	item := NewItem().
		Set("url", "https://example.com").
		Set("body", "payload").
		Tag("body", config.DefaultGridFSTag)

	_, err = w.ProcessItem(ctx, item, "spider")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store large object")
	blobs.AssertExpectations(t)
}

func TestEnsureIndexFailurePropagates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.UniqueKey = []string{"id"}

	coll := &storage.MockCollection{}
	coll.On("EnsureUniqueIndex", mock.Anything, []string{"id"}).Return(errors.New("not authorized"))
	store := &storage.MockDocumentStore{}
	store.On("Collection", config.DefaultCollection).Return(coll)

	w, err := NewWriter(cfg, store, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("id", "1"), "spider")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensure unique index")
	store.AssertExpectations(t)
	coll.AssertExpectations(t)
}

func TestNonDuplicateInsertErrorPropagates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	coll := &storage.MockCollection{}
	coll.On("InsertOne", mock.Anything, mock.Anything).Return(errors.New("network down"))
	store := &storage.MockDocumentStore{}
	store.On("Collection", config.DefaultCollection).Return(coll)

	control := &stopRecorder{}
	w, err := NewWriter(baseConfig(), store, nil, control, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("url", "a"), "spider")
	require.Error(t, err)

	// Only duplicate keys are recovered locally; everything else
	// propagates without touching the stop policy.
	assert.Empty(t, control.reasons)
	assert.Equal(t, 0, w.DuplicateKeys())
	coll.AssertExpectations(t)
}

func TestBatchInsertErrorPropagatesOnFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Buffer = 2

	coll := &storage.MockCollection{}
	coll.On("InsertMany", mock.Anything, mock.Anything).Return(errors.New("write concern timeout"))
	store := &storage.MockDocumentStore{}
	store.On("Collection", config.DefaultCollection).Return(coll)

	w, err := NewWriter(cfg, store, nil, nil, nil, nil)
	require.NoError(t, err)

	_, err = w.ProcessItem(ctx, NewItem().Set("url", "a"), "spider")
	require.NoError(t, err)

	// The flush at the buffer boundary surfaces the batch failure.
	_, err = w.ProcessItem(ctx, NewItem().Set("url", "b"), "spider")
	require.Error(t, err)
	coll.AssertExpectations(t)
}

func TestEmptyFieldsAbsentFromPersistedDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	w, err := NewWriter(baseConfig(), store, nil, nil, nil, nil)
	require.NoError(t, err)

	item := NewItem().
		Set("url", "https://example.com").
		Set("title", "").
		Set("author", nil)
	_, err = w.ProcessItem(ctx, item, "spider")
	require.NoError(t, err)

	docs := store.State(config.DefaultCollection).Docs
	require.Len(t, docs, 1)
	assert.False(t, hasKey(docs[0], "title"))
	assert.False(t, hasKey(docs[0], "author"))
}
