package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatedHandler(i *Issuer, inner http.HandlerFunc) http.Handler {
	return i.Gate(inner)
}

func echoSubject(w http.ResponseWriter, r *http.Request) {
	p, _ := FromContext(r.Context())
	w.Write([]byte(p.Kind.String() + ":" + p.Subject))
}

func TestGate(t *testing.T) {
	i := newTestIssuer(t)
	userTok, err := i.IssueUserAccessToken("u-1")
	require.NoError(t, err)
	internalTok, err := i.IssueInternalToken("userService")
	require.NoError(t, err)

	h := gatedHandler(i, echoSubject)

	cases := []struct {
		name   string
		header string
		cookie string
		status int
		body   string
	}{
		{name: "no credential", status: http.StatusUnauthorized},
		{name: "bearer header", header: "Bearer " + userTok, status: http.StatusOK, body: "user:u-1"},
		{name: "internal header", header: "Internal " + internalTok, status: http.StatusOK, body: "internal:userService"},
		{name: "user cookie", cookie: userTok, status: http.StatusOK, body: "user:u-1"},
		{name: "internal token via cookie", cookie: internalTok, status: http.StatusUnauthorized},
		{name: "malformed", header: "Bearer garbage", status: http.StatusUnauthorized},
		{name: "unknown scheme", header: "Basic abc", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: AccessCookie, Value: tc.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestRequireInternal(t *testing.T) {
	i := newTestIssuer(t)
	userTok, err := i.IssueUserAccessToken("u-1")
	require.NoError(t, err)
	internalTok, err := i.IssueInternalToken("authService")
	require.NoError(t, err)

	h := gatedHandler(i, RequireInternal(echoSubject))

	req := httptest.NewRequest(http.MethodPost, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+userTok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/users", nil)
	req.Header.Set("Authorization", "Internal "+internalTok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireUser_WithoutGate(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireUser(echoSubject)(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthCookies(t *testing.T) {
	i := newTestIssuer(t)
	pair, err := i.IssueUserTokens("u-1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	i.SetAuthCookies(rec, pair)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)
	for _, c := range cookies {
		assert.True(t, c.HttpOnly, c.Name)
		assert.Equal(t, http.SameSiteStrictMode, c.SameSite, c.Name)
		assert.False(t, c.Secure, c.Name)
		assert.Positive(t, c.MaxAge, c.Name)
	}
	assert.Equal(t, AccessCookie, cookies[0].Name)
	assert.Equal(t, pair.AccessToken, cookies[0].Value)
	assert.Equal(t, RefreshCookie, cookies[1].Name)

	rec = httptest.NewRecorder()
	i.ClearAuthCookies(rec)
	for _, c := range rec.Result().Cookies() {
		assert.Empty(t, c.Value)
		assert.Negative(t, c.MaxAge)
	}
}
