// README: Redis client initialization for dispatch claims.
package infra

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis returns a client with short timeouts; claims are best-effort and must not stall dispatch.
func NewRedis(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}
