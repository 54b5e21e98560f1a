// README: Short-lived driver claims in Redis so concurrent assignments try different drivers.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agrimarket/internal/types"
)

const claimKeyPrefix = "dispatch:driver:%s:claim"

type RedisClaims struct {
	redis *redis.Client
}

func NewRedisClaims(redis *redis.Client) *RedisClaims {
	return &RedisClaims{redis: redis}
}

// Claim reserves the driver for ttl; false means another assignment holds the driver.
func (c *RedisClaims) Claim(ctx context.Context, driverID, orderID types.ID, ttl time.Duration) (bool, error) {
	return c.redis.SetNX(ctx, claimKey(driverID), string(orderID), ttl).Result()
}

// Release drops the claim only if it still belongs to orderID.
func (c *RedisClaims) Release(ctx context.Context, driverID, orderID types.ID) error {
	val, err := c.redis.Get(ctx, claimKey(driverID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val != string(orderID) {
		return nil
	}
	return c.redis.Del(ctx, claimKey(driverID)).Err()
}

func claimKey(driverID types.ID) string {
	return fmt.Sprintf(claimKeyPrefix, string(driverID))
}
