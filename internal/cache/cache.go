// Package cache remembers classifier tags by event name so repeated runs do
// not re-ask the LLM for names it has already labelled.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores tags by key.
type Cache interface {
	// Get returns the cached tag and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, tag string) error
}

// Config holds Redis cache configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Redis is a Cache backed by a Redis server.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis cache and verifies the connection.
func NewRedis(ctx context.Context, config Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
	}, nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return val, true, nil
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key, tag string) error {
	if err := r.client.Set(ctx, r.prefix+key, tag, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Clear removes every key under the cache prefix.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete %q: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

// Close closes the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Memory is an in-process Cache.
type Memory struct {
	mu   sync.RWMutex
	tags map[string]string
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{tags: make(map[string]string)}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tag, ok := m.tags[key]
	return tag, ok, nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[key] = tag
	return nil
}
