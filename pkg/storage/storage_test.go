package storage

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"contentfleet/pkg/model"
)

func TestPostStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert assigns id and timestamps", func(mt *mtest.T) {
		store := NewPostStore(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		post := model.Post{User: "u1", Content: "hello"}
		require.NoError(mt, store.Insert(context.Background(), &post))
		assert.False(mt, post.ID.IsZero())
		assert.False(mt, post.CreatedAt.IsZero())
		assert.NotNil(mt, post.MediaIDs)
	})

	mt.Run("find missing post", func(mt *mtest.T) {
		store := NewPostStore(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.posts", mtest.FirstBatch))

		_, err := store.FindByID(context.Background(), primitive.NewObjectID())
		assert.ErrorIs(mt, err, model.ErrNotFound)
	})

	mt.Run("find post", func(mt *mtest.T) {
		store := NewPostStore(mt.DB)
		id := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.posts", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: id},
			{Key: "user", Value: "u1"},
			{Key: "content", Value: "hello"},
			{Key: "mediaIds", Value: bson.A{"m1"}},
		}))

		post, err := store.FindByID(context.Background(), id)
		require.NoError(mt, err)
		assert.Equal(mt, id, post.ID)
		assert.Equal(mt, "u1", post.User)
		assert.Equal(mt, []string{"m1"}, post.MediaIDs)
	})

	mt.Run("delete reports missing post", func(mt *mtest.T) {
		store := NewPostStore(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		err := store.DeleteByID(context.Background(), primitive.NewObjectID())
		assert.ErrorIs(mt, err, model.ErrNotFound)
	})

	mt.Run("delete post", func(mt *mtest.T) {
		store := NewPostStore(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		assert.NoError(mt, store.DeleteByID(context.Background(), primitive.NewObjectID()))
	})

	mt.Run("list and count", func(mt *mtest.T) {
		store := NewPostStore(mt.DB)
		now := time.Now().UTC().Truncate(time.Millisecond)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.posts", mtest.FirstBatch,
				bson.D{{Key: "_id", Value: primitive.NewObjectID()}, {Key: "content", Value: "b"}, {Key: "createdAt", Value: now}},
				bson.D{{Key: "_id", Value: primitive.NewObjectID()}, {Key: "content", Value: "a"}, {Key: "createdAt", Value: now.Add(-time.Minute)}},
			),
			mtest.CreateCursorResponse(0, "db.posts", mtest.FirstBatch, bson.D{{Key: "n", Value: int32(2)}}),
		)

		posts, err := store.List(context.Background(), 0, 10)
		require.NoError(mt, err)
		require.Len(mt, posts, 2)
		assert.Equal(mt, "b", posts[0].Content)

		n, err := store.Count(context.Background())
		require.NoError(mt, err)
		assert.EqualValues(mt, 2, n)
	})
}

func TestSearchIndex(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("duplicate post id", func(mt *mtest.T) {
		index := NewSearchIndex(mt.DB)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error collection: search.searchposts index: postId_1",
		}))

		err := index.Insert(context.Background(), &model.SearchPost{PostID: "p1", UserID: "u1"})
		assert.ErrorIs(mt, err, model.ErrDuplicateKey)
	})

	mt.Run("delete missing record", func(mt *mtest.T) {
		index := NewSearchIndex(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		err := index.DeleteByPostID(context.Background(), "p1")
		assert.ErrorIs(mt, err, model.ErrNotFound)
	})

	mt.Run("text search", func(mt *mtest.T) {
		index := NewSearchIndex(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "search.searchposts", mtest.FirstBatch,
			bson.D{{Key: "postId", Value: "p1"}, {Key: "content", Value: "hello world"}, {Key: "score", Value: 1.5}},
		))

		results, err := index.TextSearch(context.Background(), "hello", 10)
		require.NoError(mt, err)
		require.Len(mt, results, 1)
		assert.Equal(mt, "p1", results[0].PostID)
		assert.Equal(mt, 1.5, results[0].Score)
	})
}

func TestMediaStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("malformed ids never reach the store", func(mt *mtest.T) {
		store := NewMediaStore(mt.DB)

		media, err := store.FindByIDs(context.Background(), []string{"not-an-id"})
		require.NoError(mt, err)
		assert.Empty(mt, media)
	})

	mt.Run("find by ids", func(mt *mtest.T) {
		store := NewMediaStore(mt.DB)
		id := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "media.media", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: id}, {Key: "publicId", Value: "blob1"}},
		))

		media, err := store.FindByIDs(context.Background(), []string{id.Hex()})
		require.NoError(mt, err)
		require.Len(mt, media, 1)
		assert.Equal(mt, "blob1", media[0].PublicID)
	})
}

func TestBlobStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("deleting a missing blob succeeds", func(mt *mtest.T) {
		blobs, err := NewBlobStore(mt.DB, "http://media.test/api/media/files")
		require.NoError(mt, err)
		// files document, then the orphan chunk sweep
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		assert.NoError(mt, blobs.Delete(context.Background(), primitive.NewObjectID().Hex()))
	})

	mt.Run("malformed blob id", func(mt *mtest.T) {
		blobs, err := NewBlobStore(mt.DB, "http://media.test/api/media/files")
		require.NoError(mt, err)

		assert.ErrorIs(mt, blobs.Delete(context.Background(), "nope"), model.ErrInvalidArgument)
	})
}

func TestRabbitMQURI(t *testing.T) {
	uri, err := amqp.ParseURI(RabbitMQURI("guest", "s3cr@t", "broker", 5673, "/"))
	require.NoError(t, err)
	assert.Equal(t, "broker", uri.Host)
	assert.Equal(t, 5673, uri.Port)
	assert.Equal(t, "s3cr@t", uri.Password)
	assert.Equal(t, "/", uri.Vhost)
}
