package services

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"contentfleet/pkg/eventbus"
	"contentfleet/pkg/metrics"
	"contentfleet/pkg/model"
)

type MediaStore interface {
	Insert(ctx context.Context, media *model.Media) error
	FindByIDs(ctx context.Context, ids []string) ([]model.Media, error)
	DeleteByID(ctx context.Context, id primitive.ObjectID) error
}

type BlobStore interface {
	Upload(ctx context.Context, r io.Reader, meta model.BlobMetadata) (model.Blob, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
}

// MediaService stores uploaded files and removes them when the post that
// references them is deleted.
type MediaService struct {
	store  MediaStore
	blobs  BlobStore
	logger *slog.Logger
}

func NewMediaService(store MediaStore, blobs BlobStore, logger *slog.Logger) *MediaService {
	return &MediaService{
		store:  store,
		blobs:  blobs,
		logger: logger.With("component", "media"),
	}
}

func (m *MediaService) Subscribe(ctx context.Context, bus Subscriber) error {
	return bus.Subscribe(ctx, model.RoutingKeyPostDeleted, eventbus.JSON(m.HandlePostDeleted))
}

// Upload stores the blob first and then the record pointing at it.
func (m *MediaService) Upload(ctx context.Context, userID, filename, mimeType string, r io.Reader) (model.Media, error) {
	if userID == "" {
		return model.Media{}, errors.Wrap(model.ErrInvalidArgument, "missing user id")
	}
	if filename == "" {
		return model.Media{}, errors.Wrap(model.ErrInvalidArgument, "missing file name")
	}

	m.logger.Info("uploading media", "name", filename, "mime_type", mimeType, "user_id", userID)
	blob, err := m.blobs.Upload(ctx, r, model.BlobMetadata{Filename: filename, MimeType: mimeType, UserID: userID})
	if err != nil {
		m.logger.Error("error storing blob", "name", filename, "msg", err.Error())
		return model.Media{}, err
	}

	media := model.Media{
		PublicID:     blob.ID,
		OriginalName: filename,
		MimeType:     mimeType,
		URL:          blob.URL,
		UserID:       userID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.Insert(ctx, &media); err != nil {
		m.logger.Error("error writing media to mongodb, removing blob", "public_id", blob.ID, "msg", err.Error())
		if derr := m.blobs.Delete(context.WithoutCancel(ctx), blob.ID); derr != nil {
			m.logger.Error("error removing orphaned blob", "public_id", blob.ID, "msg", derr.Error())
		}
		return model.Media{}, err
	}
	m.logger.Info("media uploaded", "media_id", media.ID.Hex(), "public_id", blob.ID)
	return media, nil
}

// Open returns the content of the blob with the given public id.
func (m *MediaService) Open(ctx context.Context, publicID string) (io.ReadCloser, error) {
	return m.blobs.Open(ctx, publicID)
}

// HandlePostDeleted removes every media item of the deleted post, blob
// first. Items are independent: a failed item is logged and the others are
// still processed, and the event is acknowledged either way. Items already
// removed by an earlier delivery are simply not found.
func (m *MediaService) HandlePostDeleted(ctx context.Context, event model.PostDeletedEvent) error {
	if len(event.MediaIDs) == 0 {
		m.logger.Debug("post had no media", "post_id", event.PostID)
		return nil
	}

	items, err := m.store.FindByIDs(ctx, event.MediaIDs)
	if err != nil {
		m.logger.Error("error reading media from mongodb", "post_id", event.PostID, "msg", err.Error())
		return err
	}
	m.logger.Info("deleting media for post", "post_id", event.PostID, "requested", len(event.MediaIDs), "found", len(items))

	failed := make(map[string]error)
	for _, item := range items {
		if err := m.deleteItem(ctx, item); err != nil {
			failed[item.ID.Hex()] = err
			metrics.CascadeItems.WithLabelValues("failed").Inc()
			continue
		}
		metrics.CascadeItems.WithLabelValues("deleted").Inc()
		m.logger.Debug("media deleted", "media_id", item.ID.Hex(), "public_id", item.PublicID)
	}

	if len(failed) > 0 {
		pcf := &model.PartialCascadeFailure{
			PostID:    event.PostID,
			Succeeded: len(items) - len(failed),
			Failed:    failed,
		}
		m.logger.Error("partial failure deleting media", "post_id", event.PostID, "msg", pcf.Error())
		return nil
	}
	m.logger.Info("processed deletion of media", "post_id", event.PostID, "deleted", len(items))
	return nil
}

func (m *MediaService) deleteItem(ctx context.Context, item model.Media) error {
	if err := m.blobs.Delete(ctx, item.PublicID); err != nil {
		return errors.Wrapf(err, "deleting blob %s", item.PublicID)
	}
	if err := m.store.DeleteByID(ctx, item.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return errors.Wrap(err, "deleting media record")
	}
	return nil
}
