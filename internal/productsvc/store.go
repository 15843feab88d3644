// Package productsvc is the product-catalog service: it owns products,
// publishes product_events and keeps a snapshot of users from user_events.
package productsvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eddisonso.com/edd-catalog/internal/apperr"
	"eddisonso.com/edd-catalog/internal/db"
	"eddisonso.com/edd-catalog/internal/events"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price NUMERIC(10,2) NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0,
		sku TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_owner_id ON products(owner_id)`,
	`CREATE TABLE IF NOT EXISTS user_snapshots (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		synced_at BIGINT NOT NULL
	)`,
}

func Migrate(ctx context.Context, d *db.DB) error {
	return d.Migrate(ctx, migrations)
}

type Product struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Stock       int       `json:"stock"`
	SKU         string    `json:"sku"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Data is the projection published on product_events.
func (p Product) Data() events.ProductData {
	return events.ProductData{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Stock:       p.Stock,
		SKU:         p.SKU,
		IsActive:    p.IsActive,
	}
}

type Store struct {
	db *db.DB
}

func NewStore(d *db.DB) *Store {
	return &Store{db: d}
}

const productColumns = `id, owner_id, name, description, price, stock, sku, is_active, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (Product, error) {
	var p Product
	var created, updated int64
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.SKU, &p.IsActive, &created, &updated); err != nil {
		return Product{}, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return p, nil
}

func (s *Store) Create(ctx context.Context, p Product) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.OwnerID, p.Name, p.Description, p.Price, p.Stock, p.SKU, p.IsActive, p.CreatedAt.Unix(), p.UpdatedAt.Unix())
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("product with sku %s %w", p.SKU, apperr.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Product, error) {
	p, err := scanProduct(s.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, apperr.NotFound("product")
	}
	if err != nil {
		return Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]Product, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}
	products, err := s.query(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return products, total, nil
}

func (s *Store) GetMany(ctx context.Context, ids []string) ([]Product, error) {
	if len(ids) == 0 {
		return []Product{}, nil
	}
	in, args := db.In(ids)
	return s.query(ctx, `SELECT `+productColumns+` FROM products WHERE id IN (`+in+`)`, args...)
}

func (s *Store) ByOwners(ctx context.Context, ownerIDs []string) ([]Product, error) {
	if len(ownerIDs) == 0 {
		return []Product{}, nil
	}
	in, args := db.In(ownerIDs)
	return s.query(ctx, `SELECT `+productColumns+` FROM products WHERE owner_id IN (`+in+`) ORDER BY created_at, id`, args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Product, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) Update(ctx context.Context, p Product) error {
	res, err := s.db.Exec(ctx, `
		UPDATE products SET owner_id = ?, name = ?, description = ?, price = ?, stock = ?, sku = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, p.OwnerID, p.Name, p.Description, p.Price, p.Stock, p.SKU, p.IsActive, p.UpdatedAt.Unix(), p.ID)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("product with sku %s %w", p.SKU, apperr.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("product")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("product")
	}
	return nil
}
