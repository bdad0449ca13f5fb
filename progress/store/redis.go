package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imrenagi/go-upload-progress/progress"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as a JSON value with a TTL refreshed on every write.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "upload:progress",
		ttl:    time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Get(ctx context.Context, key progress.Key) (progress.Record, bool, error) {
	b, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return progress.Record{}, false, nil
	}
	if err != nil {
		return progress.Record{}, false, err
	}
	var rec progress.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return progress.Record{}, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key progress.Key, rec progress.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.redisKey(key), b, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key progress.Key) error {
	return s.rdb.Del(ctx, s.redisKey(key)).Err()
}

func (s *RedisStore) redisKey(key progress.Key) string {
	return s.prefix + ":" + string(key)
}
