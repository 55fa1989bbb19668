// Package push tracks live client connections and delivers notifications
// to them. A send that finds the channel gone prunes the connection from
// the registry instead of failing the caller.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnknownConnection is returned by Registry.Get for an unregistered ID.
var ErrUnknownConnection = errors.New("unknown connection")

// Connection is a registered client channel. Instance names the process
// holding the socket; empty means the local one.
type Connection struct {
	ID          string            `json:"id"`
	Instance    string            `json:"instance,omitempty"`
	ConnectedAt time.Time         `json:"connectedAt"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Registry maps connection IDs to live channels. Implementations must be
// safe for concurrent use.
type Registry interface {
	Add(ctx context.Context, c Connection) error

	// Remove drops a connection. Removing an unknown ID is a no-op.
	Remove(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (Connection, error)
	List(ctx context.Context) ([]Connection, error)
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[string]Connection)}
}

// Add implements Registry.
func (r *MemoryRegistry) Add(_ context.Context, c Connection) error {
	if c.ID == "" {
		return errors.New("register connection: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	return nil
}

// Remove implements Registry.
func (r *MemoryRegistry) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(_ context.Context, id string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c, nil
}

// List implements Registry. Connections are ordered by connect time.
func (r *MemoryRegistry) List(_ context.Context) ([]Connection, error) {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sortConnections(out)
	return out, nil
}

// RedisRegistry keeps connections in one Redis hash so every process
// sharing the Redis sees the same set.
type RedisRegistry struct {
	client redis.UniversalClient
	key    string
}

// NewRedisRegistry returns a registry stored under key
// (default "orderstream:connections").
func NewRedisRegistry(client redis.UniversalClient, key string) *RedisRegistry {
	if key == "" {
		key = "orderstream:connections"
	}
	return &RedisRegistry{client: client, key: key}
}

// Add implements Registry.
func (r *RedisRegistry) Add(ctx context.Context, c Connection) error {
	if c.ID == "" {
		return errors.New("register connection: empty id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, c.ID, data).Err(); err != nil {
		return fmt.Errorf("register connection %s: %w", c.ID, err)
	}
	return nil
}

// Remove implements Registry.
func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	if err := r.client.HDel(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("remove connection %s: %w", id, err)
	}
	return nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, id string) (Connection, error) {
	data, err := r.client.HGet(ctx, r.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if err != nil {
		return Connection{}, fmt.Errorf("get connection %s: %w", id, err)
	}
	var c Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return Connection{}, fmt.Errorf("decode connection %s: %w", id, err)
	}
	return c, nil
}

// List implements Registry.
func (r *RedisRegistry) List(ctx context.Context) ([]Connection, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	out := make([]Connection, 0, len(all))
	for id, raw := range all {
		var c Connection
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode connection %s: %w", id, err)
		}
		out = append(out, c)
	}
	sortConnections(out)
	return out, nil
}

func sortConnections(cs []Connection) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].ConnectedAt.Equal(cs[j].ConnectedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].ConnectedAt.Before(cs[j].ConnectedAt)
	})
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Registry = (*RedisRegistry)(nil)
)
