package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"contentfleet/pkg/model"
)

const mediaBucket = "media"

// BlobStore keeps media binaries in a GridFS bucket. Blobs are addressed by
// the hex form of their GridFS file id.
type BlobStore struct {
	bucket  *gridfs.Bucket
	baseURL string
}

func NewBlobStore(db *mongo.Database, baseURL string) (*BlobStore, error) {
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(mediaBucket))
	if err != nil {
		return nil, errors.Wrap(err, "open gridfs bucket")
	}
	return &BlobStore{bucket: bucket, baseURL: baseURL}, nil
}

func (s *BlobStore) Upload(ctx context.Context, r io.Reader, meta model.BlobMetadata) (model.Blob, error) {
	opts := options.GridFSUpload().SetMetadata(bson.M{
		"mimeType": meta.MimeType,
		"userId":   meta.UserID,
	})
	stream, err := s.bucket.OpenUploadStream(meta.Filename, opts)
	if err != nil {
		return model.Blob{}, mongoError("open upload stream", err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := io.Copy(stream, r); err != nil {
		_ = stream.Abort()
		return model.Blob{}, mongoError("upload blob", err)
	}
	if err := stream.Close(); err != nil {
		return model.Blob{}, mongoError("close upload stream", err)
	}

	id, ok := stream.FileID.(primitive.ObjectID)
	if !ok {
		return model.Blob{}, errors.Errorf("unexpected gridfs file id %v", stream.FileID)
	}
	return model.Blob{
		ID:  id.Hex(),
		URL: fmt.Sprintf("%s/%s", s.baseURL, id.Hex()),
	}, nil
}

// Delete removes the blob. A blob that no longer exists counts as deleted so
// a repeated cascade converges.
func (s *BlobStore) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return errors.Wrapf(model.ErrInvalidArgument, "blob id %q", id)
	}
	err = s.bucket.DeleteContext(ctx, oid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil
	}
	return mongoError("delete blob", err)
}

// Open returns a reader over the blob. The caller closes it.
func (s *BlobStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, errors.Wrapf(model.ErrInvalidArgument, "blob id %q", id)
	}
	stream, err := s.bucket.OpenDownloadStream(oid)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, mongoError("open blob", err)
	}
	return stream, nil
}
