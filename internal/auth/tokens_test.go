package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eddisonso.com/edd-catalog/internal/apperr"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := NewIssuer(Config{
		UserSecret:     []byte("user-secret"),
		RefreshSecret:  []byte("refresh-secret"),
		InternalSecret: []byte("internal-secret"),
	})
	require.NoError(t, err)
	return i
}

func TestNewIssuer_Secrets(t *testing.T) {
	_, err := NewIssuer(Config{UserSecret: []byte("x")})
	require.Error(t, err)

	_, err = NewIssuer(Config{UserSecret: []byte("same"), InternalSecret: []byte("same")})
	require.Error(t, err)
}

func TestVerify_UserBearer(t *testing.T) {
	i := newTestIssuer(t)
	tok, err := i.IssueUserAccessToken("u-1")
	require.NoError(t, err)

	p, err := i.Verify("Bearer "+tok, "")
	require.NoError(t, err)
	assert.Equal(t, Principal{Kind: KindUser, Subject: "u-1"}, p)
}

func TestVerify_InternalHeader(t *testing.T) {
	i := newTestIssuer(t)
	tok, err := i.IssueInternalToken("productService")
	require.NoError(t, err)

	p, err := i.Verify("Internal "+tok, "")
	require.NoError(t, err)
	assert.Equal(t, Principal{Kind: KindInternal, Subject: "productService"}, p)
}

func TestVerify_HeaderBeforeCookie(t *testing.T) {
	i := newTestIssuer(t)
	headerTok, err := i.IssueUserAccessToken("from-header")
	require.NoError(t, err)
	cookieTok, err := i.IssueUserAccessToken("from-cookie")
	require.NoError(t, err)

	p, err := i.Verify("Bearer "+headerTok, cookieTok)
	require.NoError(t, err)
	assert.Equal(t, "from-header", p.Subject)

	p, err = i.Verify("", cookieTok)
	require.NoError(t, err)
	assert.Equal(t, "from-cookie", p.Subject)
}

func TestVerify_InternalTokenViaCookieRejected(t *testing.T) {
	i := newTestIssuer(t)
	tok, err := i.IssueInternalToken("userService")
	require.NoError(t, err)

	_, err = i.Verify("", tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = i.Verify("", "Internal "+tok)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestVerify_NoCredential(t *testing.T) {
	_, err := newTestIssuer(t).Verify("", "")
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestVerify_UnsupportedScheme(t *testing.T) {
	i := newTestIssuer(t)
	for _, h := range []string{"Basic dXNlcjpwYXNz", "token-without-scheme"} {
		_, err := i.Verify(h, "")
		require.ErrorIs(t, err, ErrUnsupportedScheme, h)
	}
}

func TestVerify_ExpiredAndMalformed(t *testing.T) {
	i := newTestIssuer(t)
	i.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := i.IssueUserAccessToken("u-1")
	require.NoError(t, err)
	i.now = time.Now

	_, err = i.Verify("Bearer "+expired, "")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.True(t, errors.Is(err, jwt.ErrTokenExpired))

	_, err = i.Verify("Bearer not.a.jwt", "")
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.False(t, errors.Is(err, jwt.ErrTokenExpired))
}

func TestVerify_SchemeSecretsAreIndependent(t *testing.T) {
	i := newTestIssuer(t)
	userTok, err := i.IssueUserAccessToken("u-1")
	require.NoError(t, err)
	internalTok, err := i.IssueInternalToken("userService")
	require.NoError(t, err)

	_, err = i.Verify("Internal "+userTok, "")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = i.Verify("Bearer "+internalTok, "")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRefresh(t *testing.T) {
	i := newTestIssuer(t)
	pair, err := i.IssueUserTokens("u-9")
	require.NoError(t, err)

	id, err := i.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "u-9", id)

	// an access token is not a refresh token, and vice versa
	_, err = i.VerifyRefresh(pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = i.Verify("Bearer "+pair.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = i.VerifyRefresh("")
	require.ErrorIs(t, err, ErrUnauthenticated)
}
