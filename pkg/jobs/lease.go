package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseStore is an optional cross-executor lease guard layered over the
// repository lease, used when several executors poll the same job store.
type LeaseStore interface {
	// TryAcquire claims the job for the owner, returning false when another
	// owner holds it.
	TryAcquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)

	// Release drops the owner's claim. Claims held by other owners are left
	// alone.
	Release(ctx context.Context, jobID, owner string) error
}

const leaseKeyPrefix = "procession:job-lease:"

// RedisLeaseStore implements LeaseStore on a shared Redis, using SET NX with
// a TTL so a crashed owner's claims expire on their own.
type RedisLeaseStore struct {
	client *redis.Client
}

func NewRedisLeaseStore(client *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

func (s *RedisLeaseStore) TryAcquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, leaseKeyPrefix+jobID, owner, ttl).Result()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisLeaseStore) Release(ctx context.Context, jobID, owner string) error {
	err := releaseScript.Run(ctx, s.client, []string{leaseKeyPrefix + jobID}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}

	return err
}
