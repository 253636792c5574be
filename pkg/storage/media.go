package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"contentfleet/pkg/model"
)

const mediaCollection = "media"

type MediaStore struct {
	collection *mongo.Collection
}

func NewMediaStore(db *mongo.Database) *MediaStore {
	return &MediaStore{collection: db.Collection(mediaCollection)}
}

func (s *MediaStore) Insert(ctx context.Context, media *model.Media) error {
	if media.ID.IsZero() {
		media.ID = primitive.NewObjectID()
	}
	_, err := s.collection.InsertOne(ctx, media)
	return mongoError("insert media", err)
}

// FindByIDs returns the records whose hex ids are in ids. Malformed ids are
// skipped since they cannot name a stored record.
func (s *MediaStore) FindByIDs(ctx context.Context, ids []string) ([]model.Media, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			continue
		}
		oids = append(oids, oid)
	}
	if len(oids) == 0 {
		return []model.Media{}, nil
	}

	cur, err := s.collection.Find(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, mongoError("find media", err)
	}
	media := []model.Media{}
	if err := cur.All(ctx, &media); err != nil {
		return nil, mongoError("decode media", err)
	}
	return media, nil
}

// DeleteByID treats an already deleted record as success.
func (s *MediaStore) DeleteByID(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	return mongoError("delete media", err)
}
