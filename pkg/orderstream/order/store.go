package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
)

// Store persists orders keyed by (email, id).
// Implementations must be safe for concurrent use.
type Store interface {
	// Put inserts or replaces an order.
	Put(ctx context.Context, o Order) error

	// Get returns an order or a NotFoundError.
	Get(ctx context.Context, email, id string) (Order, error)

	// ListByEmail returns a customer's orders, oldest first.
	ListByEmail(ctx context.Context, email string) ([]Order, error)
}

func notFound(email, id string) error {
	return &oerrors.NotFoundError{Kind: "order", ID: email + "/" + id}
}

// MemoryStore is an in-memory Store implementation.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]map[string]Order // email -> id -> order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]map[string]Order)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, o Order) error {
	if o.Email == "" || o.ID == "" {
		return fmt.Errorf("order email and ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orders[o.Email] == nil {
		s.orders[o.Email] = make(map[string]Order)
	}
	s.orders[o.Email][o.ID] = o.clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, email, id string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[email][id]
	if !ok {
		return Order{}, notFound(email, id)
	}
	return o.clone(), nil
}

// ListByEmail implements Store.
func (s *MemoryStore) ListByEmail(_ context.Context, email string) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Order, 0, len(s.orders[email]))
	for _, o := range s.orders[email] {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PostgresSchema creates the orders table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS orders (
	email TEXT NOT NULL,
	id TEXT NOT NULL,
	status TEXT NOT NULL,
	body JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (email, id)
)`

// PostgresStore persists orders in Postgres. Each Put is a single-row upsert.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store on pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the orders table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate orders: %w", err)
	}
	return nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, o Order) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (email, id, status, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email, id) DO UPDATE SET
			status = EXCLUDED.status,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
	`, o.Email, o.ID, string(o.Status), body, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put order %s: %w", o.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, email, id string) (Order, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM orders WHERE email = $1 AND id = $2`, email, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, notFound(email, id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	var o Order
	if err := json.Unmarshal(body, &o); err != nil {
		return Order{}, fmt.Errorf("decode order %s: %w", id, err)
	}
	return o, nil
}

// ListByEmail implements Store.
func (s *PostgresStore) ListByEmail(ctx context.Context, email string) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM orders WHERE email = $1 ORDER BY created_at, id`, email)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		var o Order
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
