// Package redisstore keeps snapshots as Redis string values.
package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/eddiefleurent/tomking_plm/internal/storage"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch int64 = 200

// Config holds connection parameters for the Redis client.
type Config struct {
	Addr       string
	Password   string
	Prefix     string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Store implements storage.BlobStore on a Redis keyspace.
type Store struct {
	rdb    redis.Cmdable
	prefix string
}

var _ storage.BlobStore = (*Store)(nil)

// NewClient opens a Redis client and pings it.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return rdb, nil
}

// New wraps an existing client. Every key is stored under prefix.
func New(rdb redis.Cmdable, prefix string) *Store {
	return &Store{rdb: rdb, prefix: normalisePrefix(prefix)}
}

func normalisePrefix(prefix string) string {
	prefix = strings.TrimRight(prefix, ":")
	if prefix == "" {
		return ""
	}
	return prefix + ":"
}

func (s *Store) redisKey(key string) string { return s.prefix + key }

// scanPattern escapes glob metacharacters so a prefix matches literally.
func scanPattern(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('*')
	return b.String()
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.rdb.Set(ctx, s.redisKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: get %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	return data, nil
}

// List walks the keyspace with SCAN; it never blocks the server with KEYS.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := scanPattern(s.redisKey(prefix))
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: scan %s: %w", prefix, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return dedupe(keys), nil
}

// SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redisstore: del %s: %w", key, err)
	}
	return nil
}
