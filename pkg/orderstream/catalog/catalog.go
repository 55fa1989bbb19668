// Package catalog resolves product identifiers for the order producer and
// backs the product management routes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	oerrors "github.com/randalmurphal/orderstream/pkg/orderstream/errors"
)

// Product is a catalog entry.
type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"productName"`
	Code  string  `json:"code"`
	Price float64 `json:"price"`
	Model string  `json:"model,omitempty"`
}

// Catalog looks products up by ID. Fetch returns an error matching
// errors.ErrNotFound for unknown IDs.
type Catalog interface {
	Exists(ctx context.Context, id string) (bool, error)
	Fetch(ctx context.Context, id string) (Product, error)
}

// Store is a writable catalog. Update and Delete return an error matching
// errors.ErrNotFound for unknown IDs.
type Store interface {
	Catalog
	List(ctx context.Context) ([]Product, error)
	Put(ctx context.Context, p Product) error
	Update(ctx context.Context, p Product) error
	Delete(ctx context.Context, id string) error
}

// Validate checks the fields a stored product must carry.
func (p Product) Validate() error {
	var missing []string
	if p.Name == "" {
		missing = append(missing, "productName")
	}
	if p.Code == "" {
		missing = append(missing, "code")
	}
	if len(missing) > 0 {
		return &oerrors.MissingParameterError{Parameters: missing}
	}
	if p.Price < 0 {
		return &oerrors.ValidationError{Field: "price", Message: "must not be negative"}
	}
	return nil
}

// FetchAll resolves ids in order, failing on the first unknown one.
func FetchAll(ctx context.Context, c Catalog, ids []string) ([]Product, error) {
	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		p, err := c.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Memory is an in-memory catalog.
type Memory struct {
	mu       sync.RWMutex
	products map[string]Product
}

// NewMemory returns a catalog holding products.
func NewMemory(products ...Product) *Memory {
	m := &Memory{products: make(map[string]Product, len(products))}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

// Put adds or replaces a product.
func (m *Memory) Put(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// List returns every product sorted by ID.
func (m *Memory) List() []Product {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Exists implements Catalog.
func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.products[id]
	return ok, nil
}

// Fetch implements Catalog.
func (m *Memory) Fetch(_ context.Context, id string) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return Product{}, &oerrors.NotFoundError{Kind: "product", ID: id}
	}
	return p, nil
}

// Schema creates the products table used by Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	product_name TEXT NOT NULL,
	code TEXT NOT NULL,
	price NUMERIC(12,2) NOT NULL,
	model TEXT NOT NULL DEFAULT ''
)`

// Postgres is a catalog backed by a products table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a catalog on pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the products table if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate products: %w", err)
	}
	return nil
}

// Put writes a product, replacing any with the same ID.
func (p *Postgres) Put(ctx context.Context, prod Product) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO products (id, product_name, code, price, model)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			product_name = EXCLUDED.product_name,
			code = EXCLUDED.code,
			price = EXCLUDED.price,
			model = EXCLUDED.model
	`, prod.ID, prod.Name, prod.Code, prod.Price, prod.Model)
	if err != nil {
		return fmt.Errorf("put product %s: %w", prod.ID, err)
	}
	return nil
}

// Update replaces an existing product.
func (p *Postgres) Update(ctx context.Context, prod Product) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE products SET product_name = $2, code = $3, price = $4, model = $5
		WHERE id = $1
	`, prod.ID, prod.Name, prod.Code, prod.Price, prod.Model)
	if err != nil {
		return fmt.Errorf("update product %s: %w", prod.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &oerrors.NotFoundError{Kind: "product", ID: prod.ID}
	}
	return nil
}

// Delete removes a product.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &oerrors.NotFoundError{Kind: "product", ID: id}
	}
	return nil
}

// List returns every product sorted by ID.
func (p *Postgres) List(ctx context.Context) ([]Product, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, product_name, code, price::float8, model FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Product, error) {
		var prod Product
		err := row.Scan(&prod.ID, &prod.Name, &prod.Code, &prod.Price, &prod.Model)
		return prod, err
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

// Exists implements Catalog.
func (p *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("product exists %s: %w", id, err)
	}
	return ok, nil
}

// Fetch implements Catalog.
func (p *Postgres) Fetch(ctx context.Context, id string) (Product, error) {
	var prod Product
	err := p.pool.QueryRow(ctx,
		`SELECT id, product_name, code, price::float8, model FROM products WHERE id = $1`, id,
	).Scan(&prod.ID, &prod.Name, &prod.Code, &prod.Price, &prod.Model)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, &oerrors.NotFoundError{Kind: "product", ID: id}
	}
	if err != nil {
		return Product{}, fmt.Errorf("fetch product %s: %w", id, err)
	}
	return prod, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
