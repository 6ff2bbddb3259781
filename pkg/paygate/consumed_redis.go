package paygate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	reservedMarker = "reserved"
	consumedPrefix = "consumed:"
)

// releaseReservationScript deletes KEYS[1] only while it still holds the reservation marker,
// so a concurrent Commit is never undone.
var releaseReservationScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConsumedStore implements ConsumedStore on Redis so every instance shares one consumed set.
// Reserve is SET NX; expiry is the key TTL.
type RedisConsumedStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisConsumedStore creates a store backed by Redis.
func NewRedisConsumedStore(addr, password string, db int) *RedisConsumedStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisConsumedStoreWithClient(rdb)
}

// NewRedisConsumedStoreWithClient wraps an existing client.
func NewRedisConsumedStoreWithClient(client redis.UniversalClient) *RedisConsumedStore {
	return &RedisConsumedStore{client: client, prefix: "paygate:proof:"}
}

// Ping checks connectivity.
func (s *RedisConsumedStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisConsumedStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisConsumedStore) Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(id), reservedMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve proof: %w", err)
	}
	return ok, nil
}

func (s *RedisConsumedStore) Commit(ctx context.Context, id, reference string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(id), consumedPrefix+reference, ttl).Err(); err != nil {
		return fmt.Errorf("commit proof: %w", err)
	}
	return nil
}

func (s *RedisConsumedStore) Release(ctx context.Context, id string) error {
	if err := releaseReservationScript.Run(ctx, s.client, []string{s.key(id)}, reservedMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release proof: %w", err)
	}
	return nil
}

func (s *RedisConsumedStore) Consumed(ctx context.Context, id string) (bool, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup proof: %w", err)
	}
	return strings.HasPrefix(val, consumedPrefix), nil
}
