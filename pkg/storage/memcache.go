package storage

import (
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

func MemCachedClient(address string, port int, timeout time.Duration) *memcache.Client {
	uri := fmt.Sprintf("%s:%d", address, port)
	client := memcache.New(uri)
	client.MaxIdleConns = 1000
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}
