package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper claims message keys so redelivered messages are handled once.
type Deduper interface {
	// Claim reports true the first time key is claimed within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops a claim so a later delivery can retry.
	Release(ctx context.Context, key string) error
}

// MemoryDeduper is an in-process Deduper.
type MemoryDeduper struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryDeduper returns an empty deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{claims: make(map[string]time.Time), now: time.Now}
}

// Claim implements Deduper.
func (d *MemoryDeduper) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.claims[key] = now.Add(ttl)
	return true, nil
}

// Release implements Deduper.
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, key)
	return nil
}

// RedisDeduper claims keys with SET NX.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDeduper returns a deduper storing claims under prefix.
func NewRedisDeduper(client redis.UniversalClient, prefix string) *RedisDeduper {
	if prefix == "" {
		prefix = "orderstream:dedupe:"
	}
	return &RedisDeduper{client: client, prefix: prefix}
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Release implements Deduper.
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

var (
	_ Deduper = (*MemoryDeduper)(nil)
	_ Deduper = (*RedisDeduper)(nil)
)
