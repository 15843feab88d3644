// Package auth mints and verifies the two token families every service
// accepts: user session tokens (scheme "Bearer", or the accessToken cookie)
// and internal service tokens (scheme "Internal", header only). The families
// are signed with independent secrets.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"eddisonso.com/edd-catalog/internal/apperr"
)

const (
	SchemeUser     = "Bearer"
	SchemeInternal = "Internal"

	audienceAccess  = "access"
	audienceRefresh = "refresh"
)

var (
	ErrUnauthenticated   = fmt.Errorf("%w: no credential presented", apperr.ErrUnauthorized)
	ErrInvalidToken      = fmt.Errorf("%w: invalid token", apperr.ErrUnauthorized)
	ErrUnsupportedScheme = fmt.Errorf("%w: unsupported authorization scheme", apperr.ErrUnauthorized)
)

type Kind int

const (
	KindUser Kind = iota + 1
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Principal is the verified identity behind a request: a user id or a
// service name.
type Principal struct {
	Kind    Kind
	Subject string
}

type userClaims struct {
	jwt.RegisteredClaims
}

type internalClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

type Config struct {
	UserSecret     []byte
	RefreshSecret  []byte // defaults to UserSecret
	InternalSecret []byte

	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	InternalTTL time.Duration

	// SecureCookies sets the Secure attribute on session cookies.
	SecureCookies bool
}

// Issuer mints and verifies tokens. It holds only immutable secrets and is
// safe for concurrent use.
type Issuer struct {
	userSecret     []byte
	refreshSecret  []byte
	internalSecret []byte
	accessTTL      time.Duration
	refreshTTL     time.Duration
	internalTTL    time.Duration
	secureCookies  bool
	now            func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.UserSecret) == 0 || len(cfg.InternalSecret) == 0 {
		return nil, errors.New("user and internal secrets are required")
	}
	if string(cfg.UserSecret) == string(cfg.InternalSecret) {
		return nil, errors.New("user and internal secrets must differ")
	}
	if len(cfg.RefreshSecret) == 0 {
		cfg.RefreshSecret = cfg.UserSecret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.InternalTTL <= 0 {
		cfg.InternalTTL = 5 * time.Minute
	}
	return &Issuer{
		userSecret:     cfg.UserSecret,
		refreshSecret:  cfg.RefreshSecret,
		internalSecret: cfg.InternalSecret,
		accessTTL:      cfg.AccessTTL,
		refreshTTL:     cfg.RefreshTTL,
		internalTTL:    cfg.InternalTTL,
		secureCookies:  cfg.SecureCookies,
		now:            time.Now,
	}, nil
}

// TokenPair is what login, register and refresh hand back.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (i *Issuer) IssueUserAccessToken(userID string) (string, error) {
	return i.signUser(userID, audienceAccess, i.accessTTL, i.userSecret)
}

func (i *Issuer) IssueUserRefreshToken(userID string) (string, error) {
	return i.signUser(userID, audienceRefresh, i.refreshTTL, i.refreshSecret)
}

// IssueUserTokens issues an access and a refresh token for userID.
func (i *Issuer) IssueUserTokens(userID string) (TokenPair, error) {
	access, err := i.IssueUserAccessToken(userID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.IssueUserRefreshToken(userID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *Issuer) signUser(userID, audience string, ttl time.Duration, secret []byte) (string, error) {
	if userID == "" {
		return "", errors.New("user id required")
	}
	now := i.now()
	claims := userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign user token: %w", err)
	}
	return token, nil
}

// IssueInternalToken mints a token asserting the identity of the calling
// service. Callers mint one per outbound request and never reuse it.
func (i *Issuer) IssueInternalToken(service string) (string, error) {
	if service == "" {
		return "", errors.New("service name required")
	}
	now := i.now()
	claims := internalClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.internalTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.internalSecret)
	if err != nil {
		return "", fmt.Errorf("sign internal token: %w", err)
	}
	return token, nil
}

// Verify resolves the credential of a request. The Authorization header is
// consulted first and may carry either scheme. Only when it is absent is the
// accessToken cookie used, and a cookie is only ever a user credential.
func (i *Issuer) Verify(header, cookie string) (Principal, error) {
	if header = strings.TrimSpace(header); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok {
			return Principal{}, ErrUnsupportedScheme
		}
		token = strings.TrimSpace(token)
		switch {
		case strings.EqualFold(scheme, SchemeUser):
			return i.verifyUser(token)
		case strings.EqualFold(scheme, SchemeInternal):
			return i.verifyInternal(token)
		}
		return Principal{}, ErrUnsupportedScheme
	}

	if cookie = strings.TrimSpace(cookie); cookie != "" {
		if scheme, _, ok := strings.Cut(cookie, " "); ok && strings.EqualFold(scheme, SchemeInternal) {
			return Principal{}, ErrUnsupportedScheme
		}
		return i.verifyUser(strings.TrimPrefix(cookie, SchemeUser+" "))
	}

	return Principal{}, ErrUnauthenticated
}

// VerifyRefresh validates a refresh token and returns its user id.
func (i *Issuer) VerifyRefresh(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	claims := &userClaims{}
	if err := i.parse(token, claims, i.refreshSecret, jwt.WithAudience(audienceRefresh)); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (i *Issuer) verifyUser(token string) (Principal, error) {
	claims := &userClaims{}
	if err := i.parse(token, claims, i.userSecret, jwt.WithAudience(audienceAccess)); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Kind: KindUser, Subject: claims.Subject}, nil
}

func (i *Issuer) verifyInternal(token string) (Principal, error) {
	claims := &internalClaims{}
	if err := i.parse(token, claims, i.internalSecret); err != nil {
		return Principal{}, err
	}
	if claims.Service == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Kind: KindInternal, Subject: claims.Service}, nil
}

func (i *Issuer) parse(token string, claims jwt.Claims, secret []byte, opts ...jwt.ParserOption) error {
	if token == "" {
		return ErrInvalidToken
	}
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}
