package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		url     string
		driver  string
		dsn     string
		dialect Dialect
	}{
		{"postgres://u:p@localhost:5432/users?sslmode=disable", "postgres", "postgres://u:p@localhost:5432/users?sslmode=disable", Postgres},
		{"postgresql://localhost/products", "postgres", "postgresql://localhost/products", Postgres},
		{"sqlite::memory:", "sqlite", ":memory:", SQLite},
		{"sqlite:///tmp/catalog.db", "sqlite", "/tmp/catalog.db", SQLite},
	}
	for _, tc := range cases {
		driver, dsn, dialect, err := parseURL(tc.url)
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.driver, driver)
		assert.Equal(t, tc.dsn, dsn)
		assert.Equal(t, tc.dialect, dialect)
	}

	for _, bad := range []string{"", "mysql://x", "sqlite://"} {
		_, _, _, err := parseURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", pg.Rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))

	lite := &DB{dialect: SQLite}
	assert.Equal(t, "SELECT ? ", lite.Rebind("SELECT ? "))
}

func TestIn(t *testing.T) {
	ph, args := In([]string{"a", "b", "c"})
	assert.Equal(t, "?, ?, ?", ph)
	assert.Equal(t, []any{"a", "b", "c"}, args)
}

func TestOpenSQLite_MigrateAndUniqueViolation(t *testing.T) {
	d, err := Open("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	assert.Equal(t, SQLite, d.Dialect())

	ctx := context.Background()
	migrations := []string{`CREATE TABLE IF NOT EXISTS things (id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE)`}
	require.NoError(t, d.Migrate(ctx, migrations))
	// idempotent
	require.NoError(t, d.Migrate(ctx, migrations))

	_, err = d.Exec(ctx, `INSERT INTO things (id, name) VALUES (?, ?)`, "1", "widget")
	require.NoError(t, err)

	_, err = d.Exec(ctx, `INSERT INTO things (id, name) VALUES (?, ?)`, "2", "widget")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	var name string
	require.NoError(t, d.QueryRow(ctx, `SELECT name FROM things WHERE id = ?`, "1").Scan(&name))
	assert.Equal(t, "widget", name)

	assert.False(t, IsUniqueViolation(assert.AnError))
}
