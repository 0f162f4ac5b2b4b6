package flaptracker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "bgp:flap:"
	redisKeyTTL    = 24 * time.Hour
)

// RedisStore shares flap records across service replicas using sorted sets:
// one set per session, scored by transition time in unix nanoseconds.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(sessionKey string) string {
	return redisKeyPrefix + sessionKey
}

// Record appends a transition and trims everything older than cutoff.
func (s *RedisStore) Record(ctx context.Context, sessionKey string, ts, cutoff time.Time) error {
	key := redisKey(sessionKey)
	nanos := ts.UnixNano()

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(nanos),
		Member: strconv.FormatInt(nanos, 10),
	})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano()-1, 10))
	pipe.Expire(ctx, key, redisKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Count returns the number of transitions at or after cutoff.
func (s *RedisStore) Count(ctx context.Context, sessionKey string, cutoff time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, redisKey(sessionKey),
		strconv.FormatInt(cutoff.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
