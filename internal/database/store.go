package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"voicekeeper/internal/config"
)

// Store saves and loads the whole set of named blobs
type Store interface {
	SaveBlobs(ctx context.Context, blobs map[string][]byte) error
	LoadBlobs(ctx context.Context) (map[string][]byte, error)
	Close() error
	Name() string
}

// NopStore is used when no database is configured
type NopStore struct{}

func (NopStore) SaveBlobs(context.Context, map[string][]byte) error { return nil }

func (NopStore) LoadBlobs(context.Context) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (NopStore) Close() error { return nil }

func (NopStore) Name() string { return "none" }

// RetryOptions controls connection retries
type RetryOptions struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryOptions is used when connecting at startup
var DefaultRetryOptions = RetryOptions{
	MaxElapsedTime:  time.Minute,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxRetries:      6,
}

// WithRetry runs operation with exponential backoff until it succeeds,
// retries run out or ctx is done
func WithRetry[T any](ctx context.Context, operation func() (T, error), opts RetryOptions) (T, error) {
	var result T

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(opts.MaxElapsedTime),
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
	), opts.MaxRetries)

	err := backoff.Retry(func() error {
		var err error
		result, err = operation()
		return err
	}, backoff.WithContext(b, ctx))
	return result, err
}

// Open picks the backend from the configuration. Without DATABASE_DSN or
// REDIS_ADDR persistence is disabled and a NopStore is returned.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (Store, error) {
	switch {
	case cfg.DatabaseDSN != "":
		db, err := WithRetry(ctx, func() (*DB, error) {
			db, err := New(ctx, cfg.DatabaseDSN)
			if err != nil {
				log.Warn("Database connection attempt failed", zap.Error(err))
			}
			return db, err
		}, DefaultRetryOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		log.Info("Persistence enabled", zap.String("backend", db.Name()))
		return db, nil

	case cfg.RedisAddr != "":
		store, err := WithRetry(ctx, func() (*RedisStore, error) {
			store, err := NewRedis(ctx, RedisOptions{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				Prefix:   cfg.RedisPrefix,
			})
			if err != nil {
				log.Warn("Redis connection attempt failed", zap.Error(err))
			}
			return store, err
		}, DefaultRetryOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		log.Info("Persistence enabled", zap.String("backend", store.Name()))
		return store, nil
	}

	log.Warn("No database configured, state will not survive restarts")
	return NopStore{}, nil
}
