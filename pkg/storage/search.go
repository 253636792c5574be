package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"contentfleet/pkg/model"
)

const searchCollection = "searchposts"

// SearchIndex holds one denormalized record per post, unique by postId.
type SearchIndex struct {
	collection *mongo.Collection
}

func NewSearchIndex(db *mongo.Database) *SearchIndex {
	return &SearchIndex{collection: db.Collection(searchCollection)}
}

func (s *SearchIndex) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "postId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "content", Value: "text"}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
	})
	return mongoError("create search indexes", err)
}

// Insert adds a record. A second record for the same post yields
// model.ErrDuplicateKey.
func (s *SearchIndex) Insert(ctx context.Context, record *model.SearchPost) error {
	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	_, err := s.collection.InsertOne(ctx, record)
	return mongoError("insert search record", err)
}

// DeleteByPostID returns model.ErrNotFound if no record exists for postID.
func (s *SearchIndex) DeleteByPostID(ctx context.Context, postID string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"postId": postID})
	if err != nil {
		return mongoError("delete search record", err)
	}
	if res.DeletedCount == 0 {
		return model.ErrNotFound
	}
	return nil
}

// TextSearch returns the limit best matches for query by text score.
func (s *SearchIndex) TextSearch(ctx context.Context, query string, limit int64) ([]model.SearchPost, error) {
	score := bson.M{"score": bson.M{"$meta": "textScore"}}
	opts := options.Find().
		SetProjection(score).
		SetSort(score).
		SetLimit(limit)
	cur, err := s.collection.Find(ctx, bson.M{"$text": bson.M{"$search": query}}, opts)
	if err != nil {
		return nil, mongoError("search posts", err)
	}
	results := []model.SearchPost{}
	if err := cur.All(ctx, &results); err != nil {
		return nil, mongoError("decode search results", err)
	}
	return results, nil
}
