// internal/storage/redis.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanBatch = 100

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Redis is a KV backend on a Redis server. Keys are stored under Namespace.
type Redis struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger = logger.Named("redis-store")
	logger.Info("Connected to Redis successfully", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))

	return &Redis{
		client:    rdb,
		namespace: cfg.Namespace,
		logger:    logger,
	}, nil
}

func (r *Redis) key(k string) string {
	return r.namespace + k
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key '%s': %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get key '%s' from Redis: %w", key, err)
	}
	return val, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete key '%s': %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Scan(ctx context.Context, prefix string) ([][]byte, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan prefix '%s': %w", prefix, err)
	}
	if len(keys) == 0 {
		return [][]byte{}, nil
	}
	sort.Strings(keys)

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %d keys: %w", len(keys), err)
	}

	out := make([][]byte, 0, len(vals))
	for i, v := range vals {
		// A key deleted between SCAN and MGET comes back nil.
		s, ok := v.(string)
		if !ok {
			r.logger.Debug("Key vanished during scan", zap.String("key", strings.TrimPrefix(keys[i], r.namespace)))
			continue
		}
		out = append(out, []byte(s))
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
