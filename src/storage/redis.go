package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEngine implements Engine on Redis. Each partition maps to a key
// namespace "mnemos:{partition}:{key}".
type RedisEngine struct {
	client redis.UniversalClient
}

// NewRedisEngine connects to Redis using a redis:// URL.
func NewRedisEngine(redisURL string) (*RedisEngine, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL must be provided")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisEngine{client: client}, nil
}

func (e *RedisEngine) Partition(name string) (Partition, error) {
	return &redisPartition{client: e.client, prefix: "mnemos:" + name + ":"}, nil
}

func (e *RedisEngine) DropPartition(name string) error {
	ctx := context.Background()
	pattern := "mnemos:" + name + ":*"
	iter := e.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := e.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (e *RedisEngine) Flush() error { return nil }

func (e *RedisEngine) Close() error { return e.client.Close() }

type redisPartition struct {
	client redis.UniversalClient
	prefix string
}

func (p *redisPartition) Put(ctx context.Context, key, value []byte) error {
	return p.client.Set(ctx, p.prefix+string(key), value, 0).Err()
}

func (p *redisPartition) Get(ctx context.Context, key []byte) ([]byte, error) {
	val, err := p.client.Get(ctx, p.prefix+string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (p *redisPartition) Delete(ctx context.Context, key []byte) error {
	return p.client.Del(ctx, p.prefix+string(key)).Err()
}

func (p *redisPartition) Scan(ctx context.Context, prefix []byte, limit int) ([]Entry, error) {
	pattern := p.prefix + string(prefix) + "*"
	var keys []string
	iter := p.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), p.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		val, err := p.client.Get(ctx, p.prefix+k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted mid-scan
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: []byte(k), Value: val})
	}
	return entries, nil
}

func (p *redisPartition) BatchPut(ctx context.Context, entries []Entry) error {
	pipe := p.client.TxPipeline()
	for _, ent := range entries {
		pipe.Set(ctx, p.prefix+string(ent.Key), ent.Value, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}
