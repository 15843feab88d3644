package productsvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eddisonso.com/edd-catalog/internal/db"
	"eddisonso.com/edd-catalog/internal/events"
)

// UserSnapshot is the local, possibly stale copy of a user.
type UserSnapshot struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	IsActive  bool      `json:"isActive"`
	SyncedAt  time.Time `json:"-"`
}

// UserSnapshots is fed exclusively by user_events.
type UserSnapshots struct {
	db  *db.DB
	now func() time.Time
}

func NewUserSnapshots(d *db.DB) *UserSnapshots {
	return &UserSnapshots{db: d, now: time.Now}
}

// Upsert replaces the whole row for u.ID.
func (s *UserSnapshots) Upsert(ctx context.Context, u events.UserData) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_snapshots (id, email, first_name, last_name, is_active, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			is_active = EXCLUDED.is_active,
			synced_at = EXCLUDED.synced_at
	`, u.ID, u.Email, u.FirstName, u.LastName, u.IsActive, s.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert user snapshot: %w", err)
	}
	return nil
}

func (s *UserSnapshots) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM user_snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete user snapshot: %w", err)
	}
	return nil
}

const userSnapshotColumns = `id, email, first_name, last_name, is_active, synced_at`

func scanUserSnapshot(row interface{ Scan(...any) error }) (UserSnapshot, error) {
	var u UserSnapshot
	var synced int64
	if err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.IsActive, &synced); err != nil {
		return UserSnapshot{}, err
	}
	u.SyncedAt = time.Unix(synced, 0).UTC()
	return u, nil
}

// FindByID reports false when no snapshot exists.
func (s *UserSnapshots) FindByID(ctx context.Context, id string) (UserSnapshot, bool, error) {
	u, err := scanUserSnapshot(s.db.QueryRow(ctx, `SELECT `+userSnapshotColumns+` FROM user_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return UserSnapshot{}, false, nil
	}
	if err != nil {
		return UserSnapshot{}, false, fmt.Errorf("query user snapshot: %w", err)
	}
	return u, true, nil
}

func (s *UserSnapshots) FindByIDs(ctx context.Context, ids []string) ([]UserSnapshot, error) {
	if len(ids) == 0 {
		return []UserSnapshot{}, nil
	}
	in, args := db.In(ids)
	rows, err := s.db.Query(ctx, `SELECT `+userSnapshotColumns+` FROM user_snapshots WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query user snapshots: %w", err)
	}
	defer rows.Close()

	out := []UserSnapshot{}
	for rows.Next() {
		u, err := scanUserSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user snapshot: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
