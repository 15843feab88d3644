package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eddisonso.com/edd-catalog/internal/auth"
	"eddisonso.com/edd-catalog/internal/registry"
)

func TestIssuer(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("INTERNAL_SECRET", "internal")
	_, err := Issuer()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "user")
	t.Setenv("ACCESS_TOKEN_TTL", "soon")
	_, err = Issuer()
	require.Error(t, err)

	t.Setenv("ACCESS_TOKEN_TTL", "")
	issuer, err := Issuer()
	require.NoError(t, err)
	tok, err := issuer.IssueInternalToken(registry.UserService)
	require.NoError(t, err)
	p, err := issuer.Verify("Internal "+tok, "")
	require.NoError(t, err)
	assert.Equal(t, auth.KindInternal, p.Kind)
}

func TestRegistry(t *testing.T) {
	t.Setenv("REGISTRY_FILE", "")
	t.Setenv("USER_SERVICE_URL", "http://users:9000")
	reg, err := Registry()
	require.NoError(t, err)
	ep, err := reg.Resolve(registry.UserService, registry.GetUserByID)
	require.NoError(t, err)
	assert.Equal(t, "http://users:9000", ep.BaseURL)

	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  userService:
    baseUrl: ${USER_SERVICE_URL}
    operations:
      getUserById: {method: GET, path: /v2/users/:id}
`), 0o644))
	t.Setenv("REGISTRY_FILE", path)
	reg, err = Registry()
	require.NoError(t, err)
	ep, err = reg.Resolve(registry.UserService, registry.GetUserByID)
	require.NoError(t, err)
	assert.Equal(t, "/v2/users/:id", ep.Path)
}

func TestRetry(t *testing.T) {
	t.Setenv("SUBSCRIBE_ATTEMPTS", "")
	t.Setenv("SUBSCRIBE_BACKOFF", "")
	r, err := Retry()
	require.NoError(t, err)
	assert.Equal(t, 5, r.Attempts)
	assert.Equal(t, 3*time.Second, r.Backoff)

	t.Setenv("SUBSCRIBE_ATTEMPTS", "2")
	t.Setenv("SUBSCRIBE_BACKOFF", "250ms")
	r, err = Retry()
	require.NoError(t, err)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, 250*time.Millisecond, r.Backoff)
}
