package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaseNamespace = "lease"

// Lease keeps replicas from polling the same address at the same time.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLease takes a lease with SET NX PX. Leases are never released
// explicitly; they lapse after ttl.
type RedisLease struct {
	client redis.UniversalClient
	owner  string
}

func NewRedisLease(client redis.UniversalClient, owner string) *RedisLease {
	return &RedisLease{client: client, owner: owner}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, leaseNamespace+":"+key, l.owner, ttl).Result()
}
