package storage

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"contentfleet/pkg/model"
)

const postsCollection = "posts"

// PostStore is the posts service's primary record store.
type PostStore struct {
	collection *mongo.Collection
}

func NewPostStore(db *mongo.Database) *PostStore {
	return &PostStore{collection: db.Collection(postsCollection)}
}

func (s *PostStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "user", Value: 1}}},
	})
	return mongoError("create posts indexes", err)
}

// Insert stores post, assigning its id and timestamps when unset.
func (s *PostStore) Insert(ctx context.Context, post *model.Post) error {
	start := time.Now().UnixMilli()
	if post.ID.IsZero() {
		post.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	post.UpdatedAt = now
	if post.MediaIDs == nil {
		post.MediaIDs = []string{}
	}

	if _, err := s.collection.InsertOne(ctx, post); err != nil {
		return mongoError("insert post", err)
	}
	trace.SpanFromContext(ctx).AddEvent("stored post in mongodb",
		trace.WithAttributes(
			attribute.Int64("poststore_start_ms", start),
			attribute.Int64("poststore_end_ms", time.Now().UnixMilli()),
		))
	return nil
}

func (s *PostStore) FindByID(ctx context.Context, id primitive.ObjectID) (model.Post, error) {
	var post model.Post
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&post)
	if err != nil {
		return model.Post{}, mongoError("find post", err)
	}
	return post, nil
}

// DeleteByID removes the post and returns model.ErrNotFound if nothing matched.
func (s *PostStore) DeleteByID(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return mongoError("delete post", err)
	}
	if res.DeletedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

// List returns up to limit posts, newest first, skipping the first skip.
func (s *PostStore) List(ctx context.Context, skip, limit int64) ([]model.Post, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(skip).
		SetLimit(limit)
	cur, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, mongoError("list posts", err)
	}
	posts := []model.Post{}
	if err := cur.All(ctx, &posts); err != nil {
		return nil, mongoError("decode posts", err)
	}
	return posts, nil
}

func (s *PostStore) Count(ctx context.Context) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, mongoError("count posts", err)
	}
	return n, nil
}
