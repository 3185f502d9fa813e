package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/JakeFAU/mongodb-sink/internal/config"
	"github.com/JakeFAU/mongodb-sink/internal/logging"
)

// MongoStore implements DocumentStore on top of the official MongoDB driver.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewMongoStore connects to MongoDB using the resolved sink configuration.
// A non-empty replica set name selects replica-set topology with
// primary-preferred reads; a single node is read from the primary. The
// fsync option maps to journaled write acknowledgement, which is the
// durability knob modern servers expose. Connection failure is fatal to
// the caller; there is no retry here.
func NewMongoStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*MongoStore, error) {
	logger = logging.OrNop(logger)

	opts := options.Client().ApplyURI(cfg.URI)
	if wc := buildWriteConcern(cfg); wc != nil {
		opts.SetWriteConcern(wc)
	}

	if cfg.ReplicaSet != "" {
		opts.SetReplicaSet(cfg.ReplicaSet)
		opts.SetReadPreference(readpref.PrimaryPreferred())
	} else {
		opts.SetReadPreference(readpref.Primary())
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	// Fail fast on startup if the server is unreachable.
	if err := client.Ping(ctx, nil); err != nil {
		if derr := client.Disconnect(ctx); derr != nil {
			logger.Warn("Failed to disconnect after ping failure", zap.Error(derr))
		}
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	logger.Info("Connected to MongoDB",
		zap.String("uri", cfg.URI),
		zap.String("database", cfg.Database),
		zap.String("replica_set", cfg.ReplicaSet))

	return &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger,
	}, nil
}

// Database exposes the underlying database handle so a GridFS bucket can
// be bound to the same database as the item collections.
func (s *MongoStore) Database() *mongo.Database {
	return s.db
}

// Collection returns a handle for the named collection.
func (s *MongoStore) Collection(name string) Collection {
	return &mongoCollection{coll: s.db.Collection(name)}
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) Name() string {
	return c.coll.Name()
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc bson.D) error {
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &DuplicateKeyError{Docs: 1, Err: err}
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (c *mongoCollection) InsertMany(ctx context.Context, docs []bson.D) error {
	payload := make([]any, len(docs))
	for i, d := range docs {
		payload[i] = d
	}

	// Unordered inserts give continue-on-error semantics: the server
	// attempts every document and reports the failures afterwards.
	_, err := c.coll.InsertMany(ctx, payload, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}
	if dup := classifyBulkError(err); dup != nil {
		return dup
	}
	return fmt.Errorf("insert batch: %w", err)
}

func (c *mongoCollection) ReplaceUpsert(ctx context.Context, filter bson.D, doc bson.D) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := c.coll.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

func (c *mongoCollection) EnsureUniqueIndex(ctx context.Context, keys []string) error {
	keyDoc := make(bson.D, 0, len(keys))
	for _, k := range keys {
		keyDoc = append(keyDoc, bson.E{Key: k, Value: 1})
	}

	model := mongo.IndexModel{
		Keys:    keyDoc,
		Options: options.Index().SetUnique(true),
	}
	// CreateOne is idempotent when an identical index already exists.
	if _, err := c.coll.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("ensure unique index on %v: %w", keys, err)
	}
	return nil
}

// buildWriteConcern maps the durability options onto a driver write
// concern. A zero write_concern leaves the driver's acknowledged
// default in place rather than requesting w=0: unacknowledged writes
// never report duplicate keys, which would disable the stop-on-duplicate
// policy, and they cannot be combined with journaling. Returns nil when
// no explicit write concern is needed.
func buildWriteConcern(cfg config.Config) *writeconcern.WriteConcern {
	if cfg.WriteConcern <= 0 && !cfg.FSync {
		return nil
	}
	wc := &writeconcern.WriteConcern{}
	if cfg.WriteConcern > 0 {
		wc.W = cfg.WriteConcern
	}
	if cfg.FSync {
		journal := true
		wc.Journal = &journal
	}
	return wc
}

// classifyBulkError inspects a bulk-write failure. When every write
// error in the batch is a uniqueness violation and there is no write
// concern error, the failure is reported as a DuplicateKeyError with a
// per-document count; anything else propagates as-is.
func classifyBulkError(err error) *DuplicateKeyError {
	bwe, ok := err.(mongo.BulkWriteException)
	if !ok {
		return nil
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return nil
	}

	dups := 0
	for _, we := range bwe.WriteErrors {
		if !isDuplicateCode(we.Code) {
			return nil
		}
		dups++
	}
	return &DuplicateKeyError{Docs: dups, Err: err}
}

// Server error codes that signal a unique index violation.
func isDuplicateCode(code int) bool {
	switch code {
	case 11000, 11001, 12582:
		return true
	}
	return false
}
