package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"
)

const redisLivenessPrefix = "playlock:liveness:"

// RedisLivenessStore is a LivenessStore backed by Redis key TTLs. Each beat
// refreshes the key's expiry, so Expire is a no-op: Redis garbage-collects
// lapsed devices itself. Deploy this instead of the Postgres table when the
// heartbeat write volume shouldn't share a database with the registry.
type RedisLivenessStore struct {
	client *redis.Client
}

func NewRedisLivenessStore(addr, password string, db int) (*RedisLivenessStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisLivenessStore{client: client}, nil
}

func livenessKey(deviceToken string) string {
	return redisLivenessPrefix + deviceToken
}

func (s *RedisLivenessStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

func (s *RedisLivenessStore) Beat(deviceToken string, at time.Time) error {
	ctx, cancel := s.opCtx()
	defer cancel()
	return s.client.Set(ctx, livenessKey(deviceToken), at.UTC().Format(time.RFC3339Nano), LivenessTTL).Err()
}

func (s *RedisLivenessStore) IsLive(deviceToken string, now time.Time) (bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()
	n, err := s.client.Exists(ctx, livenessKey(deviceToken)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Expire is a no-op: the key TTL set on each Beat already removes lapsed
// devices.
func (s *RedisLivenessStore) Expire(olderThan time.Time) error {
	return nil
}

func (s *RedisLivenessStore) Remove(deviceToken string) error {
	ctx, cancel := s.opCtx()
	defer cancel()
	return s.client.Del(ctx, livenessKey(deviceToken)).Err()
}

func (s *RedisLivenessStore) LiveTokens(now time.Time) ([]string, error) {
	ctx, cancel := s.opCtx()
	defer cancel()
	var tokens []string
	iter := s.client.Scan(ctx, 0, redisLivenessPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		tokens = append(tokens, iter.Val()[len(redisLivenessPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	slices.Sort(tokens)
	return tokens, nil
}

func (s *RedisLivenessStore) Close() error {
	return s.client.Close()
}
