package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"contentfleet/pkg/model"
)

func MongoDBClient(ctx context.Context, address string, port int, timeout time.Duration) (*mongo.Client, error) {
	uri := fmt.Sprintf("mongodb://%s:%d/?directConnection=true", address, port)
	clientOptions := options.Client().ApplyURI(uri).SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, &model.TransportError{Op: "connect to mongodb", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &model.TransportError{Op: "ping mongodb", Err: err}
	}
	return client, nil
}

// mongoError maps driver errors onto the domain taxonomy.
func mongoError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return model.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return model.ErrDuplicateKey
	case mongo.IsNetworkError(err) || mongo.IsTimeout(err):
		return &model.TransportError{Op: op, Err: err}
	default:
		return errors.Wrap(err, op)
	}
}
