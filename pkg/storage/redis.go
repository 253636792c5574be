package storage

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

func RedisClient(address string, port int, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", address, port),
		Password: password,
		DB:       db,
	})
}
