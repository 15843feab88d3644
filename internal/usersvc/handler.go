package usersvc

import (
	"context"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"eddisonso.com/edd-catalog/internal/apperr"
	"eddisonso.com/edd-catalog/internal/auth"
	"eddisonso.com/edd-catalog/internal/events"
	"eddisonso.com/edd-catalog/internal/federation"
	"eddisonso.com/edd-catalog/internal/registry"
	"eddisonso.com/edd-catalog/internal/respond"
)

// UserEvents publishes user_events.
type UserEvents interface {
	Publish(ctx context.Context, t events.Type, u events.UserData) error
}

type Config struct {
	Store    *Store
	Products *ProductSnapshots
	Events   UserEvents
	Remote   federation.Caller
	Issuer   *auth.Issuer
}

type Handler struct {
	store    *Store
	products *ProductSnapshots
	events   UserEvents
	remote   federation.Caller
	issuer   *auth.Issuer
	now      func() time.Time
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		store:    cfg.Store,
		products: cfg.Products,
		events:   cfg.Events,
		remote:   cfg.Remote,
		issuer:   cfg.Issuer,
		now:      time.Now,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	mux.Handle("POST /api/users", h.issuer.Gate(auth.RequireInternal(h.handleCreate)))
	mux.Handle("GET /api/users", h.issuer.Gate(http.HandlerFunc(h.handleList)))
	mux.Handle("POST /api/users/batch", h.issuer.Gate(http.HandlerFunc(h.handleBatch)))
	mux.Handle("GET /api/users/by-email", h.issuer.Gate(auth.RequireInternal(h.handleByEmail)))
	mux.Handle("GET /api/users/{id}", h.issuer.Gate(http.HandlerFunc(h.handleGet)))
	mux.Handle("PUT /api/users/{id}", h.issuer.Gate(http.HandlerFunc(h.handleUpdate)))
	mux.Handle("DELETE /api/users/{id}", h.issuer.Gate(http.HandlerFunc(h.handleDelete)))
	mux.Handle("GET /api/users/{id}/products", h.issuer.Gate(http.HandlerFunc(h.handleProducts)))
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createUserRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type updateUserRequest struct {
	Email     *string `json:"email"`
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	IsActive  *bool   `json:"isActive"`
}

// UserWithProducts is a user enriched with the products it owns.
type UserWithProducts struct {
	User
	Products []ProductSnapshot `json:"products"`
}

func validateUser(v *apperr.Validator, u User) {
	_, err := mail.ParseAddress(u.Email)
	v.Check(err == nil && !strings.ContainsAny(u.Email, "<> "), "email", "must be a valid email address")
	v.Check(u.FirstName != "", "firstName", "is required")
	v.Check(len(u.FirstName) <= 100, "firstName", "must be at most 100 characters")
	v.Check(u.LastName != "", "lastName", "is required")
	v.Check(len(u.LastName) <= 100, "lastName", "must be at most 100 characters")
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}

	now := h.now().UTC().Truncate(time.Second)
	u := User{
		ID:        uuid.NewString(),
		Email:     normalizeEmail(req.Email),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var v apperr.Validator
	validateUser(&v, u)
	if err := v.Err(); err != nil {
		respond.Error(w, err)
		return
	}

	if err := h.store.Create(r.Context(), u); err != nil {
		respond.Error(w, err)
		return
	}
	h.publish(r.Context(), events.Created, u.Data())

	respond.JSON(w, http.StatusCreated, "User created successfully", u)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := respond.Pagination(r)
	if err != nil {
		respond.Error(w, err)
		return
	}
	include := r.URL.Query().Get("include")
	if include != "" && include != "products" {
		respond.Error(w, &apperr.ValidationError{Fields: []apperr.FieldError{{Field: "include", Message: "must be \"products\""}}})
		return
	}

	users, total, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		respond.Error(w, err)
		return
	}

	if include == "" {
		respond.OK(w, "Users retrieved successfully", respond.Page[User]{Items: users, Total: total, Limit: limit, Offset: offset})
		return
	}

	items := make([]UserWithProducts, len(users))
	for i, u := range users {
		items[i] = UserWithProducts{User: u}
	}
	items = federation.Join(r.Context(), h.remote, items, productsRelation)
	respond.OK(w, "Users retrieved successfully", respond.Page[UserWithProducts]{Items: items, Total: total, Limit: limit, Offset: offset})
}

var productsRelation = federation.Relation[UserWithProducts, ProductSnapshot]{
	Service:    registry.ProductService,
	Operation:  registry.GetProductsByUserIDs,
	ForeignKey: func(u UserWithProducts) string { return u.ID },
	JoinKey:    func(p ProductSnapshot) string { return p.OwnerID },
	Attach: func(u UserWithProducts, products []ProductSnapshot) UserWithProducts {
		u.Products = products
		return u
	},
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, "User retrieved successfully", u)
}

func (h *Handler) handleByEmail(w http.ResponseWriter, r *http.Request) {
	email := normalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		respond.Error(w, &apperr.ValidationError{Fields: []apperr.FieldError{{Field: "email", Message: "is required"}}})
		return
	}
	u, err := h.store.GetByEmail(r.Context(), email)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, "User retrieved successfully", u)
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req federation.IDs
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		respond.Error(w, err)
		return
	}
	users, err := h.store.GetMany(r.Context(), req.IDs)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, "Users retrieved successfully", users)
}

// canModify admits service callers and the user itself.
func canModify(ctx context.Context, id string) error {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return auth.ErrUnauthenticated
	}
	if p.Kind == auth.KindInternal || p.Subject == id {
		return nil
	}
	return apperr.ErrForbidden
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := canModify(r.Context(), id); err != nil {
		respond.Error(w, err)
		return
	}

	var req updateUserRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}

	u, err := h.store.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if req.Email != nil {
		u.Email = normalizeEmail(*req.Email)
	}
	if req.FirstName != nil {
		u.FirstName = strings.TrimSpace(*req.FirstName)
	}
	if req.LastName != nil {
		u.LastName = strings.TrimSpace(*req.LastName)
	}
	if req.IsActive != nil {
		u.IsActive = *req.IsActive
	}
	var v apperr.Validator
	validateUser(&v, u)
	if err := v.Err(); err != nil {
		respond.Error(w, err)
		return
	}
	u.UpdatedAt = h.now().UTC().Truncate(time.Second)

	if err := h.store.Update(r.Context(), u); err != nil {
		respond.Error(w, err)
		return
	}
	h.publish(r.Context(), events.Updated, u.Data())

	respond.OK(w, "User updated successfully", u)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := canModify(r.Context(), id); err != nil {
		respond.Error(w, err)
		return
	}

	u, err := h.store.Get(r.Context(), id)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		respond.Error(w, err)
		return
	}
	h.publish(r.Context(), events.Deleted, u.Data())

	respond.OK(w, "User deleted successfully", nil)
}

// handleProducts answers from the local product snapshots only.
func (h *Handler) handleProducts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		respond.Error(w, err)
		return
	}
	products, err := h.products.FindByOwnerIDs(r.Context(), []string{id})
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, "Products retrieved successfully", products)
}

// publish runs after the write has committed. A failure is logged by the
// publisher and does not undo the write.
func (h *Handler) publish(ctx context.Context, t events.Type, u events.UserData) {
	_ = h.events.Publish(ctx, t, u)
}
