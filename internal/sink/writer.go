package sink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/JakeFAU/mongodb-sink/internal/config"
	"github.com/JakeFAU/mongodb-sink/internal/logging"
	"github.com/JakeFAU/mongodb-sink/internal/metrics"
	"github.com/JakeFAU/mongodb-sink/internal/notify"
	"github.com/JakeFAU/mongodb-sink/internal/storage"
)

// timestampField is the document key the optional write timestamp is
// nested under.
const timestampField = "mongosink"

// stopReason is the message delivered to the crawling engine when the
// duplicate-key threshold is reached.
const stopReason = "number of duplicate key insertions exceeded"

// Writer persists crawled items into the document store. One Writer
// serves one crawl run: it owns the item buffer, the duplicate-key
// counter and the collection registry, and it must be driven
// sequentially — ProcessItem per item, then Close at the end of the
// run. It is not safe for concurrent use.
type Writer struct {
	cfg      config.Config
	logger   *zap.Logger
	store    storage.DocumentStore
	blobs    storage.LargeObjectStore
	control  RunControl
	notifier notify.Provider

	buffer        []Transformed
	duplicateKeys int
	stopRequested bool
	collections   map[string]storage.Collection
}

// NewWriter validates the configuration and builds a writer for one
// run. control and notifier may be nil; the logger may be nil as well.
// An illegal configuration (buffering combined with a unique key, or a
// negative stop threshold) fails here, before any item is processed.
func NewWriter(cfg config.Config, store storage.DocumentStore, blobs storage.LargeObjectStore,
	control RunControl, notifier notify.Provider, logger *zap.Logger) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("writer config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("writer requires a document store")
	}
	if blobs == nil {
		blobs = &storage.NoOpLargeObjectStore{}
	}
	if control == nil {
		control = NoOpRunControl{}
	}
	if notifier == nil {
		notifier = &notify.NoOpProvider{}
	}

	return &Writer{
		cfg:         cfg,
		logger:      logging.OrNop(logger),
		store:       store,
		blobs:       blobs,
		control:     control,
		notifier:    notifier,
		collections: make(map[string]storage.Collection),
	}, nil
}

// ProcessItem transforms one item and either writes it immediately or
// accumulates it until the configured buffer size is reached. source is
// the logical name of the producing crawl (the spider), used for
// per-source collection routing. The transformed document is returned
// in every case, even when it is still sitting unwritten in the buffer.
func (w *Writer) ProcessItem(ctx context.Context, item *Item, source string) (bson.D, error) {
	t := transformItem(item, w.cfg)

	if w.cfg.Buffer > 0 {
		w.buffer = append(w.buffer, t)
		if len(w.buffer) >= w.cfg.Buffer {
			batch := w.buffer
			w.buffer = nil
			metrics.ObserveBufferFlush()
			if err := w.writeBatch(ctx, batch, source); err != nil {
				return t.Doc, err
			}
		}
		return t.Doc, nil
	}

	if err := w.writeOne(ctx, t, source); err != nil {
		return t.Doc, err
	}
	return t.Doc, nil
}

// Close flushes any buffered remainder. It is called once at the end of
// the run, unconditionally, and does not close the store providers; the
// caller owns those.
func (w *Writer) Close(ctx context.Context, source string) error {
	if len(w.buffer) == 0 {
		return nil
	}
	batch := w.buffer
	w.buffer = nil
	metrics.ObserveBufferFlush()
	return w.writeBatch(ctx, batch, source)
}

// DuplicateKeys reports the number of duplicate-key violations counted
// so far in this run.
func (w *Writer) DuplicateKeys() int {
	return w.duplicateKeys
}

// writeOne persists a single transformed item.
func (w *Writer) writeOne(ctx context.Context, t Transformed, source string) error {
	doc, err := w.prepare(ctx, t)
	if err != nil {
		return err
	}

	coll, name, err := w.collection(ctx, source)
	if err != nil {
		return err
	}

	if len(w.cfg.UniqueKey) > 0 {
		return w.upsert(ctx, coll, name, doc)
	}

	err = coll.InsertOne(ctx, doc)
	if err == nil {
		metrics.ObserveItemsStored(name, "insert", 1)
		w.logger.Debug("Stored item in MongoDB",
			zap.String("database", w.cfg.Database),
			zap.String("collection", name))
	}
	return w.handleInsertError(err, name)
}

// writeBatch persists a buffered batch in one continue-on-error insert.
// Buffering and unique keys are mutually exclusive, so a batch is
// always in plain insert mode.
func (w *Writer) writeBatch(ctx context.Context, batch []Transformed, source string) error {
	docs := make([]bson.D, 0, len(batch))
	for _, t := range batch {
		doc, err := w.prepare(ctx, t)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	coll, name, err := w.collection(ctx, source)
	if err != nil {
		return err
	}

	err = coll.InsertMany(ctx, docs)
	if err == nil {
		metrics.ObserveItemsStored(name, "insert", len(docs))
		w.logger.Debug("Stored items in MongoDB",
			zap.String("database", w.cfg.Database),
			zap.String("collection", name),
			zap.Int("count", len(docs)))
	}
	return w.handleInsertError(err, name)
}

// prepare routes the item's grid fields through the large-object store
// and attaches the optional write timestamp. Every item of a batch gets
// the same treatment.
func (w *Writer) prepare(ctx context.Context, t Transformed) (bson.D, error) {
	doc := t.Doc
	for i, e := range doc {
		if _, ok := t.GridFields[e.Key]; !ok {
			continue
		}
		data := []byte(fmt.Sprint(e.Value))
		handle, err := w.blobs.Put(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("store large object for field %q: %w", e.Key, err)
		}
		doc[i].Value = handle
		metrics.ObserveLargeObject(len(data))
	}

	if w.cfg.AppendTimestamp {
		doc = append(doc, bson.E{
			Key:   timestampField,
			Value: bson.D{{Key: "ts", Value: time.Now().UTC()}},
		})
	}
	return doc, nil
}

// upsert replaces the document matching the unique key filter,
// inserting it when absent. Duplicate counting never applies here;
// violations are structurally impossible in upsert mode.
func (w *Writer) upsert(ctx context.Context, coll storage.Collection, name string, doc bson.D) error {
	filter := make(bson.D, 0, len(w.cfg.UniqueKey))
	for _, key := range w.cfg.UniqueKey {
		if v, ok := lookupField(doc, key); ok {
			filter = append(filter, bson.E{Key: key, Value: v})
		}
	}

	if err := coll.ReplaceUpsert(ctx, filter, doc); err != nil {
		return err
	}
	metrics.ObserveItemsStored(name, "upsert", 1)
	w.logger.Debug("Stored item in MongoDB",
		zap.String("database", w.cfg.Database),
		zap.String("collection", name))
	return nil
}

// handleInsertError applies the duplicate-key policy. Uniqueness
// violations are recovered locally: logged, counted when a stop
// threshold is configured, and escalated to one graceful stop request
// once the counter reaches the threshold. Every other error propagates
// to the caller, which is expected to treat the run as failed.
func (w *Writer) handleInsertError(err error, collection string) error {
	if err == nil {
		return nil
	}
	dup, ok := storage.AsDuplicateKey(err)
	if !ok {
		return err
	}

	w.logger.Debug("Duplicate key found",
		zap.String("collection", collection),
		zap.Int("documents", dup.Docs))
	metrics.ObserveDuplicateKeys(dup.Docs)

	if w.cfg.StopOnDuplicate > 0 {
		w.duplicateKeys += dup.Docs
		if w.duplicateKeys >= w.cfg.StopOnDuplicate && !w.stopRequested {
			w.stopRequested = true
			w.logger.Warn("Duplicate key threshold reached, requesting stop",
				zap.Int("threshold", w.cfg.StopOnDuplicate),
				zap.Int("count", w.duplicateKeys))
			w.control.StopRun(stopReason)
			w.publishStopEvent(collection)
		}
	}
	return nil
}

// publishStopEvent emits the stop request on the configured message
// bus. Delivery is best effort; a publish failure only logs.
func (w *Writer) publishStopEvent(collection string) {
	msg := fmt.Sprintf("%s (collection=%s, count=%d)", stopReason, collection, w.duplicateKeys)
	if err := w.notifier.Publish(context.Background(), msg); err != nil {
		w.logger.Warn("Failed to publish stop event", zap.Error(err))
	}
}

// collection resolves the target collection for a logical source name.
// With separate collections disabled every item lands in the default
// collection; enabled, one collection per source name is created and
// cached lazily. When a unique key is configured the unique index is
// ensured before every lookup.
func (w *Writer) collection(ctx context.Context, source string) (storage.Collection, string, error) {
	var name, registryKey string
	if w.cfg.SeparateCollections && source != "" {
		name, registryKey = source, source
	} else {
		name, registryKey = w.cfg.Collection, "default"
	}

	coll, ok := w.collections[registryKey]
	if !ok {
		coll = w.store.Collection(name)
		w.collections[registryKey] = coll
	}

	if len(w.cfg.UniqueKey) > 0 {
		if err := coll.EnsureUniqueIndex(ctx, w.cfg.UniqueKey); err != nil {
			return nil, "", fmt.Errorf("ensure unique index: %w", err)
		}
		w.logger.Debug("Ensured unique index",
			zap.Strings("key", w.cfg.UniqueKey),
			zap.String("collection", name))
	}
	return coll, name, nil
}

func lookupField(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
