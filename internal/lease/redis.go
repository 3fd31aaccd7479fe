package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces lease keys in Redis.
const KeyPrefix = "sessionflow:lease:"

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

// RedisLocker implements Locker with SET NX PX and token-checked scripts.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr string) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRedisLocker(rdb), nil
}

// Close closes the underlying client.
func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, KeyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rdb: r.rdb, key: key, token: token, ttl: ttl}, true, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{KeyPrefix + l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renewing lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{KeyPrefix + l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.key, err)
	}
	return nil
}
