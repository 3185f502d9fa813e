package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
)

// GridFSStore implements LargeObjectStore on a GridFS bucket bound to
// the same database as the item collections. Put returns the ObjectID
// of the stored file, which is embedded in the item document in place
// of the original value.
type GridFSStore struct {
	bucket *gridfs.Bucket
}

// NewGridFSStore opens the default GridFS bucket of the given database.
func NewGridFSStore(db *mongo.Database) (*GridFSStore, error) {
	bucket, err := gridfs.NewBucket(db)
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}
	return &GridFSStore{bucket: bucket}, nil
}

// Put uploads data under a generated filename and returns the file's ObjectID.
func (s *GridFSStore) Put(ctx context.Context, data []byte) (any, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.bucket.SetWriteDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set gridfs write deadline: %w", err)
		}
	}

	id, err := s.bucket.UploadFromStream(uuid.NewString(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("upload to gridfs: %w", err)
	}
	return id, nil
}
