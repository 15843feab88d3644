package authsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"eddisonso.com/edd-catalog/internal/apperr"
	"eddisonso.com/edd-catalog/internal/auth"
	"eddisonso.com/edd-catalog/internal/federation"
	"eddisonso.com/edd-catalog/internal/ratelimit"
	"eddisonso.com/edd-catalog/internal/registry"
	"eddisonso.com/edd-catalog/internal/respond"
)

// ErrInvalidCredentials is answered for an unknown email and for a wrong
// password alike.
var ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)

// AuthTypeHeader selects token delivery: "cookie" sets HttpOnly cookies,
// anything else returns the tokens in the body.
const AuthTypeHeader = "X-Auth-Type"

const minPasswordLength = 8

type Config struct {
	Credentials *Credentials
	Remote      federation.Caller
	Issuer      *auth.Issuer

	// IPLimiter and EmailLimiter bound login attempts per client address
	// and per account.
	IPLimiter    ratelimit.Limiter
	EmailLimiter ratelimit.Limiter

	// TrustProxy takes the client address from the X-Forwarded-For entry
	// appended by the gateway instead of the connection's peer address.
	TrustProxy bool

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

type Handler struct {
	creds        *Credentials
	remote       federation.Caller
	issuer       *auth.Issuer
	ipLimiter    ratelimit.Limiter
	emailLimiter ratelimit.Limiter
	trustProxy   bool
	cost         int
}

func NewHandler(cfg Config) *Handler {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Handler{
		creds:        cfg.Credentials,
		remote:       cfg.Remote,
		issuer:       cfg.Issuer,
		ipLimiter:    cfg.IPLimiter,
		emailLimiter: cfg.EmailLimiter,
		trustProxy:   cfg.TrustProxy,
		cost:         cost,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	mux.HandleFunc("POST /api/auth/register", h.handleRegister)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh-token", h.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", h.handleLogout)
	mux.Handle("POST /api/auth/password-reset", h.issuer.Gate(auth.RequireUser(h.handlePasswordReset)))
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Profile is the user record as served by the user service.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	IsActive  bool   `json:"isActive"`
}

type sessionResponse struct {
	User         Profile `json:"user"`
	AccessToken  string  `json:"accessToken,omitempty"`
	RefreshToken string  `json:"refreshToken,omitempty"`
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type passwordResetRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	var v apperr.Validator
	_, err := mail.ParseAddress(req.Email)
	v.Check(err == nil, "email", "must be a valid email address")
	v.Check(len(req.Password) >= minPasswordLength, "password", "must be at least %d characters", minPasswordLength)
	v.Check(len(req.Password) <= 72, "password", "must be at most 72 bytes")
	if err := v.Err(); err != nil {
		respond.Error(w, err)
		return
	}

	if _, err := h.creds.ByEmail(r.Context(), req.Email); err == nil {
		respond.Error(w, fmt.Errorf("email %w", apperr.ErrConflict))
		return
	} else if !errors.Is(err, apperr.ErrNotFound) {
		respond.Error(w, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.cost)
	if err != nil {
		respond.Error(w, fmt.Errorf("hash password: %w", err))
		return
	}

	var user Profile
	if err := h.call(r.Context(), registry.CreateUser, nil, map[string]string{
		"email":     req.Email,
		"firstName": req.FirstName,
		"lastName":  req.LastName,
	}, &user); err != nil {
		respond.Error(w, err)
		return
	}

	if err := h.creds.Create(r.Context(), Credential{UserID: user.ID, Email: user.Email, PasswordHash: string(hash)}); err != nil {
		slog.Error("user created without credential", "user_id", user.ID, "error", err)
		respond.Error(w, err)
		return
	}

	slog.Info("user registered", "user_id", user.ID)
	h.session(w, r, http.StatusCreated, "User registered successfully", user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	var v apperr.Validator
	v.Check(req.Email != "", "email", "is required")
	v.Check(req.Password != "", "password", "is required")
	if err := v.Err(); err != nil {
		respond.Error(w, err)
		return
	}

	clientIP := clientIP(r, h.trustProxy)
	if err := h.allow(r.Context(), h.ipLimiter, "ip:"+clientIP); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.allow(r.Context(), h.emailLimiter, "email:"+req.Email); err != nil {
		respond.Error(w, err)
		return
	}

	cred, err := h.creds.ByEmail(r.Context(), req.Email)
	if errors.Is(err, apperr.ErrNotFound) {
		respond.Error(w, ErrInvalidCredentials)
		return
	}
	if err != nil {
		respond.Error(w, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)); err != nil {
		slog.Info("login rejected", "email", req.Email, "ip", clientIP)
		respond.Error(w, ErrInvalidCredentials)
		return
	}

	user, err := h.profile(r.Context(), cred.UserID)
	if err != nil {
		respond.Error(w, err)
		return
	}

	h.session(w, r, http.StatusOK, "Login successful", user)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(r, &req); err != nil {
			respond.Error(w, err)
			return
		}
	}
	token := req.RefreshToken
	if token == "" {
		if c, err := r.Cookie(auth.RefreshCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		respond.Error(w, auth.ErrUnauthenticated)
		return
	}

	userID, err := h.issuer.VerifyRefresh(token)
	if err != nil {
		respond.Error(w, err)
		return
	}
	// a user deleted since the token was issued has no credential left
	if _, err := h.creds.ByUserID(r.Context(), userID); errors.Is(err, apperr.ErrNotFound) {
		respond.Error(w, auth.ErrInvalidToken)
		return
	} else if err != nil {
		respond.Error(w, err)
		return
	}

	pair, err := h.issuer.IssueUserTokens(userID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if h.cookieMode(r) {
		h.issuer.SetAuthCookies(w, pair)
		respond.OK(w, "Token refreshed successfully", nil)
		return
	}
	respond.OK(w, "Token refreshed successfully", pair)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.issuer.ClearAuthCookies(w)
	respond.OK(w, "Logout successful", nil)
}

func (h *Handler) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	var v apperr.Validator
	v.Check(req.CurrentPassword != "", "currentPassword", "is required")
	v.Check(len(req.NewPassword) >= minPasswordLength, "newPassword", "must be at least %d characters", minPasswordLength)
	v.Check(len(req.NewPassword) <= 72, "newPassword", "must be at most 72 bytes")
	if err := v.Err(); err != nil {
		respond.Error(w, err)
		return
	}

	userID, err := auth.UserID(r.Context())
	if err != nil {
		respond.Error(w, err)
		return
	}
	cred, err := h.creds.ByUserID(r.Context(), userID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		respond.Error(w, ErrInvalidCredentials)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), h.cost)
	if err != nil {
		respond.Error(w, fmt.Errorf("hash password: %w", err))
		return
	}
	if err := h.creds.SetPassword(r.Context(), userID, string(hash)); err != nil {
		respond.Error(w, err)
		return
	}

	slog.Info("password changed", "user_id", userID)
	respond.OK(w, "Password updated successfully", nil)
}

// session issues a token pair for user and delivers it per X-Auth-Type.
func (h *Handler) session(w http.ResponseWriter, r *http.Request, status int, message string, user Profile) {
	pair, err := h.issuer.IssueUserTokens(user.ID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if h.cookieMode(r) {
		h.issuer.SetAuthCookies(w, pair)
		respond.JSON(w, status, message, sessionResponse{User: user})
		return
	}
	respond.JSON(w, status, message, sessionResponse{User: user, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (h *Handler) cookieMode(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get(AuthTypeHeader), "cookie")
}

func (h *Handler) profile(ctx context.Context, userID string) (Profile, error) {
	var user Profile
	if err := h.call(ctx, registry.GetUserByID, map[string]string{"id": userID}, nil, &user); err != nil {
		return Profile{}, err
	}
	if !user.IsActive {
		return Profile{}, fmt.Errorf("account is disabled: %w", apperr.ErrForbidden)
	}
	return user, nil
}

// call invokes a user service operation as this service and decodes its
// payload into out.
func (h *Handler) call(ctx context.Context, operation string, params map[string]string, body, out any) error {
	raw, err := h.remote.Call(ctx, registry.UserService, operation, params, body, federation.Internal)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s.%s: %w", registry.UserService, operation, err)
	}
	return nil
}

func (h *Handler) allow(ctx context.Context, l ratelimit.Limiter, key string) error {
	if l == nil {
		return nil
	}
	ok, err := l.Allow(ctx, key)
	if err != nil {
		// an unreachable limiter does not lock everyone out
		slog.Warn("rate limiter unavailable", "key", key, "error", err)
		return nil
	}
	if !ok {
		return apperr.ErrRateLimited
	}
	return nil
}

// clientIP is the peer address of r. Behind a trusted proxy it is the last
// X-Forwarded-For entry, the one the proxy appended; earlier entries are
// client supplied.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
			hops := strings.Split(xff[len(xff)-1], ",")
			if last := strings.TrimSpace(hops[len(hops)-1]); last != "" {
				return last
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
