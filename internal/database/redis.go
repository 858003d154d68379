package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one key per blob under a prefix
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// RedisOptions configures the redis backend
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects to redis and verifies the connection
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisStore{rdb: rdb, prefix: opts.Prefix}, nil
}

// Name identifies the backend in logs
func (s *RedisStore) Name() string {
	return "redis"
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// SaveBlobs overwrites the blob set. Keys for blobs no longer present are
// removed in the same transaction.
func (s *RedisStore) SaveBlobs(ctx context.Context, blobs map[string][]byte) error {
	existing, err := s.keys(ctx)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range existing {
			if _, ok := blobs[strings.TrimPrefix(key, s.prefix)]; !ok {
				pipe.Del(ctx, key)
			}
		}
		for name, data := range blobs {
			pipe.Set(ctx, s.prefix+name, data, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save blobs: %w", err)
	}
	return nil
}

// LoadBlobs reads every blob under the prefix
func (s *RedisStore) LoadBlobs(ctx context.Context) (map[string][]byte, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	blobs := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return blobs, nil
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load blobs: %w", err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		blobs[strings.TrimPrefix(keys[i], s.prefix)] = []byte(str)
	}
	return blobs, nil
}
