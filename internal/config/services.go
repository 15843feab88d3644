package config

import (
	"errors"

	"eddisonso.com/edd-catalog/internal/auth"
	"eddisonso.com/edd-catalog/internal/events"
	"eddisonso.com/edd-catalog/internal/registry"
)

// Issuer reads JWT_SECRET, JWT_REFRESH_SECRET, INTERNAL_SECRET and the
// token lifetimes. Cookies are Secure outside development.
func Issuer() (*auth.Issuer, error) {
	userSecret, err := Require("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	internalSecret, err := Require("INTERNAL_SECRET")
	if err != nil {
		return nil, err
	}
	cfg := auth.Config{
		UserSecret:     []byte(userSecret),
		RefreshSecret:  []byte(String("JWT_REFRESH_SECRET", userSecret)),
		InternalSecret: []byte(internalSecret),
		SecureCookies:  !Development(),
	}
	var errs []error
	cfg.AccessTTL, err = Duration("ACCESS_TOKEN_TTL", 0)
	errs = append(errs, err)
	cfg.RefreshTTL, err = Duration("REFRESH_TOKEN_TTL", 0)
	errs = append(errs, err)
	cfg.InternalTTL, err = Duration("INTERNAL_TOKEN_TTL", 0)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return auth.NewIssuer(cfg)
}

// Registry loads REGISTRY_FILE when set, otherwise binds the built-in
// table to USER_SERVICE_URL, PRODUCT_SERVICE_URL and AUTH_SERVICE_URL.
func Registry() (*registry.Registry, error) {
	if path := String("REGISTRY_FILE", ""); path != "" {
		return registry.Load(path)
	}
	return registry.Default(ServiceURLs()), nil
}

func ServiceURLs() registry.URLs {
	return registry.URLs{
		Users:    String("USER_SERVICE_URL", "http://localhost:3002"),
		Products: String("PRODUCT_SERVICE_URL", "http://localhost:3003"),
		Auth:     String("AUTH_SERVICE_URL", "http://localhost:3001"),
	}
}

// Retry reads SUBSCRIBE_ATTEMPTS and SUBSCRIBE_BACKOFF.
func Retry() (events.Retry, error) {
	attempts, err := Int("SUBSCRIBE_ATTEMPTS", events.DefaultRetry.Attempts)
	if err != nil {
		return events.Retry{}, err
	}
	backoff, err := Duration("SUBSCRIBE_BACKOFF", events.DefaultRetry.Backoff)
	if err != nil {
		return events.Retry{}, err
	}
	return events.Retry{Attempts: attempts, Backoff: backoff}, nil
}
