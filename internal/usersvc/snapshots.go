package usersvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eddisonso.com/edd-catalog/internal/db"
	"eddisonso.com/edd-catalog/internal/events"
)

// ProductSnapshot is the local, possibly stale copy of a product.
type ProductSnapshot struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	SyncedAt    time.Time `json:"-"`
}

// ProductSnapshots is fed exclusively by product_events.
type ProductSnapshots struct {
	db  *db.DB
	now func() time.Time
}

func NewProductSnapshots(d *db.DB) *ProductSnapshots {
	return &ProductSnapshots{db: d, now: time.Now}
}

// Upsert replaces the whole row for p.ID.
func (s *ProductSnapshots) Upsert(ctx context.Context, p events.ProductData) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO product_snapshots (id, owner_id, name, description, price, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			synced_at = EXCLUDED.synced_at
	`, p.ID, p.OwnerID, p.Name, p.Description, p.Price, s.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert product snapshot: %w", err)
	}
	return nil
}

func (s *ProductSnapshots) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM product_snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete product snapshot: %w", err)
	}
	return nil
}

const productSnapshotColumns = `id, owner_id, name, description, price, synced_at`

func scanProductSnapshot(row interface{ Scan(...any) error }) (ProductSnapshot, error) {
	var p ProductSnapshot
	var synced int64
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Price, &synced); err != nil {
		return ProductSnapshot{}, err
	}
	p.SyncedAt = time.Unix(synced, 0).UTC()
	return p, nil
}

// FindByID reports false when no snapshot exists.
func (s *ProductSnapshots) FindByID(ctx context.Context, id string) (ProductSnapshot, bool, error) {
	p, err := scanProductSnapshot(s.db.QueryRow(ctx, `SELECT `+productSnapshotColumns+` FROM product_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ProductSnapshot{}, false, nil
	}
	if err != nil {
		return ProductSnapshot{}, false, fmt.Errorf("query product snapshot: %w", err)
	}
	return p, true, nil
}

func (s *ProductSnapshots) FindByIDs(ctx context.Context, ids []string) ([]ProductSnapshot, error) {
	if len(ids) == 0 {
		return []ProductSnapshot{}, nil
	}
	in, args := db.In(ids)
	return s.query(ctx, `SELECT `+productSnapshotColumns+` FROM product_snapshots WHERE id IN (`+in+`) ORDER BY name, id`, args...)
}

func (s *ProductSnapshots) FindByOwnerIDs(ctx context.Context, ownerIDs []string) ([]ProductSnapshot, error) {
	if len(ownerIDs) == 0 {
		return []ProductSnapshot{}, nil
	}
	in, args := db.In(ownerIDs)
	return s.query(ctx, `SELECT `+productSnapshotColumns+` FROM product_snapshots WHERE owner_id IN (`+in+`) ORDER BY name, id`, args...)
}

func (s *ProductSnapshots) query(ctx context.Context, q string, args ...any) ([]ProductSnapshot, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query product snapshots: %w", err)
	}
	defer rows.Close()

	out := []ProductSnapshot{}
	for rows.Next() {
		p, err := scanProductSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product snapshot: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
