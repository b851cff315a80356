package leaselock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "lantern:lock:"

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisBackend struct {
	rdb redis.UniversalClient
}

// NewRedis returns a client that keeps leases as expiring redis keys.
func NewRedis(rdb redis.UniversalClient) *Client {
	return &Client{backend: &redisBackend{rdb: rdb}}
}

func (r *redisBackend) tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// same token re-acquiring extends its own lease
	return r.renew(ctx, key, token, ttl)
}

func (r *redisBackend) renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.rdb, []string{redisKeyPrefix + key}, token, max(ttl.Milliseconds(), 1)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return n == 1, nil
}

func (r *redisBackend) release(ctx context.Context, key, token string) error {
	err := releaseScript.Run(ctx, r.rdb, []string{redisKeyPrefix + key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
