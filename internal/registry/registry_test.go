package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return Default(URLs{
		Users:    "http://users:8080/",
		Products: "http://products:8080",
		Auth:     "http://auth:8080",
	})
}

func TestResolve(t *testing.T) {
	r := testRegistry()

	ep, err := r.Resolve(UserService, GetUserByID)
	require.NoError(t, err)
	assert.Equal(t, "GET", ep.Method)
	assert.Equal(t, "http://users:8080", ep.BaseURL)
	assert.Equal(t, "/api/users/:id", ep.Path)

	_, err = r.Resolve("orderService", "getOrder")
	require.ErrorIs(t, err, ErrUnknownService)

	_, err = r.Resolve(UserService, "getOrder")
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestEndpointURL(t *testing.T) {
	r := testRegistry()

	ep, err := r.Resolve(ProductService, GetProductByID)
	require.NoError(t, err)
	u, err := ep.URL(map[string]string{"id": "a/b"})
	require.NoError(t, err)
	assert.Equal(t, "http://products:8080/api/products/a%2Fb", u)

	ep, err = r.Resolve(UserService, GetUserByEmail)
	require.NoError(t, err)
	u, err = ep.URL(map[string]string{"email": "a+b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "http://users:8080/api/users/by-email?email=a%2Bb%40example.com", u)

	ep, err = r.Resolve(UserService, GetUsersByIDs)
	require.NoError(t, err)
	u, err = ep.URL(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://users:8080/api/users/batch", u)
}

func TestEndpointURL_Unresolved(t *testing.T) {
	ep, err := testRegistry().Resolve(UserService, GetUserByID)
	require.NoError(t, err)

	_, err = ep.URL(nil)
	require.ErrorIs(t, err, ErrUnresolvedParam)

	_, err = ep.URL(map[string]string{"id": ""})
	require.ErrorIs(t, err, ErrUnresolvedParam)

	_, err = ep.URL(map[string]string{"userId": "u1"})
	require.ErrorIs(t, err, ErrUnresolvedParam)
}

func TestLoad(t *testing.T) {
	t.Setenv("CATALOG_USERS_URL", "http://users.internal")
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  userService:
    baseUrl: ${CATALOG_USERS_URL}
    operations:
      getUserById: {method: get, path: /api/users/:id}
`), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	ep, err := r.Resolve(UserService, GetUserByID)
	require.NoError(t, err)
	assert.Equal(t, "GET", ep.Method)
	u, err := ep.URL(map[string]string{"id": "42"})
	require.NoError(t, err)
	assert.Equal(t, "http://users.internal/api/users/42", u)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	noBase := filepath.Join(dir, "nobase.yaml")
	require.NoError(t, os.WriteFile(noBase, []byte("services:\n  userService:\n    operations: {}\n"), 0o600))
	_, err := Load(noBase)
	require.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("services: {}\n"), 0o600))
	_, err = Load(empty)
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
