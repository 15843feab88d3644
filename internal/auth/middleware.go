package auth

import (
	"context"
	"net/http"
	"time"

	"eddisonso.com/edd-catalog/internal/apperr"
	"eddisonso.com/edd-catalog/internal/respond"
)

const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
)

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticate verifies the credential carried by r.
func (i *Issuer) Authenticate(r *http.Request) (Principal, error) {
	var cookie string
	if c, err := r.Cookie(AccessCookie); err == nil {
		cookie = c.Value
	}
	return i.Verify(r.Header.Get("Authorization"), cookie)
}

// Gate rejects requests without a valid credential and stores the verified
// Principal in the request context.
func (i *Issuer) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := i.Authenticate(r)
		if err != nil {
			respond.Error(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireInternal admits only service callers. It expects Gate upstream.
func RequireInternal(next http.HandlerFunc) http.HandlerFunc {
	return requireKind(KindInternal, next)
}

// RequireUser admits only end users. It expects Gate upstream.
func RequireUser(next http.HandlerFunc) http.HandlerFunc {
	return requireKind(KindUser, next)
}

func requireKind(kind Kind, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		if !ok {
			respond.Error(w, ErrUnauthenticated)
			return
		}
		if p.Kind != kind {
			respond.Fail(w, http.StatusForbidden, kind.String()+" credential required")
			return
		}
		next(w, r)
	}
}

// UserID returns the subject of a user principal in ctx.
func UserID(ctx context.Context) (string, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	if p.Kind != KindUser {
		return "", apperr.ErrForbidden
	}
	return p.Subject, nil
}

// SetAuthCookies delivers a token pair as HttpOnly, SameSite=Strict cookies.
func (i *Issuer) SetAuthCookies(w http.ResponseWriter, pair TokenPair) {
	http.SetCookie(w, i.cookie(AccessCookie, pair.AccessToken, i.accessTTL))
	http.SetCookie(w, i.cookie(RefreshCookie, pair.RefreshToken, i.refreshTTL))
}

// ClearAuthCookies expires both session cookies.
func (i *Issuer) ClearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, i.cookie(AccessCookie, "", -1))
	http.SetCookie(w, i.cookie(RefreshCookie, "", -1))
}

func (i *Issuer) cookie(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   i.secureCookies,
		SameSite: http.SameSiteStrictMode,
	}
	if ttl < 0 {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	} else {
		c.MaxAge = int(ttl.Seconds())
		c.Expires = i.now().Add(ttl)
	}
	return c
}
