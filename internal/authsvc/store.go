// Package authsvc is the identity service: it keeps password credentials,
// issues user tokens and follows user_events to keep credentials in step
// with the user records it does not own.
package authsvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"eddisonso.com/edd-catalog/internal/apperr"
	"eddisonso.com/edd-catalog/internal/db"
	"eddisonso.com/edd-catalog/internal/events"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

func Migrate(ctx context.Context, d *db.DB) error {
	return d.Migrate(ctx, migrations)
}

// Credential never leaves this service.
type Credential struct {
	UserID       string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Credentials struct {
	db  *db.DB
	now func() time.Time
}

func NewCredentials(d *db.DB) *Credentials {
	return &Credentials{db: d, now: time.Now}
}

const credentialColumns = `user_id, email, password_hash, created_at, updated_at`

func scanCredential(row *sql.Row) (Credential, error) {
	var c Credential
	var created, updated int64
	err := row.Scan(&c.UserID, &c.Email, &c.PasswordHash, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, apperr.NotFound("credential")
	}
	if err != nil {
		return Credential{}, fmt.Errorf("query credential: %w", err)
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	c.UpdatedAt = time.Unix(updated, 0).UTC()
	return c, nil
}

func (s *Credentials) Create(ctx context.Context, c Credential) error {
	now := s.now().Unix()
	_, err := s.db.Exec(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?)
	`, c.UserID, strings.ToLower(c.Email), c.PasswordHash, now, now)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("credential for %s %w", c.Email, apperr.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *Credentials) ByEmail(ctx context.Context, email string) (Credential, error) {
	return scanCredential(s.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE email = ?`, strings.ToLower(email)))
}

func (s *Credentials) ByUserID(ctx context.Context, userID string) (Credential, error) {
	return scanCredential(s.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE user_id = ?`, userID))
}

func (s *Credentials) SetPassword(ctx context.Context, userID, hash string) error {
	res, err := s.db.Exec(ctx, `UPDATE credentials SET password_hash = ?, updated_at = ? WHERE user_id = ?`, hash, s.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("credential")
	}
	return nil
}

// Upsert follows a user created or updated on the user service. Only the
// email of an existing credential is copied; users without a credential
// (created by another service) are ignored.
func (s *Credentials) Upsert(ctx context.Context, u events.UserData) error {
	if u.Email == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE credentials SET email = ?, updated_at = ? WHERE user_id = ? AND email <> ?`,
		strings.ToLower(u.Email), s.now().Unix(), u.ID, strings.ToLower(u.Email))
	if err != nil {
		return fmt.Errorf("follow user email: %w", err)
	}
	return nil
}

// Delete drops the credential of a deleted user. Deleting twice is a no-op.
func (s *Credentials) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
