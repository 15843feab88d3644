package productsvc

import (
	"context"
	"fmt"
	"math"
	"net/http"
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

// ProductEvents publishes product_events.
type ProductEvents interface {
	Publish(ctx context.Context, t events.Type, p events.ProductData) error
}

type Config struct {
	Store  *Store
	Users  *UserSnapshots
	Events ProductEvents
	Remote federation.Caller
	Issuer *auth.Issuer
}

type Handler struct {
	store  *Store
	users  *UserSnapshots
	events ProductEvents
	remote federation.Caller
	issuer *auth.Issuer
	now    func() time.Time
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		store:  cfg.Store,
		users:  cfg.Users,
		events: cfg.Events,
		remote: cfg.Remote,
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	mux.Handle("POST /api/products", h.issuer.Gate(http.HandlerFunc(h.handleCreate)))
	mux.Handle("GET /api/products", h.issuer.Gate(http.HandlerFunc(h.handleList)))
	mux.Handle("POST /api/products/batch", h.issuer.Gate(http.HandlerFunc(h.handleBatch)))
	mux.Handle("POST /api/products/by-users", h.issuer.Gate(http.HandlerFunc(h.handleByUsers)))
	mux.Handle("GET /api/products/{id}", h.issuer.Gate(http.HandlerFunc(h.handleGet)))
	mux.Handle("PUT /api/products/{id}", h.issuer.Gate(http.HandlerFunc(h.handleUpdate)))
	mux.Handle("DELETE /api/products/{id}", h.issuer.Gate(http.HandlerFunc(h.handleDelete)))
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// productRequest serves create and update; nil fields are left unchanged
// on update.
type productRequest struct {
	OwnerID     *string  `json:"ownerId"`
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
	Stock       *int     `json:"stock"`
	SKU         *string  `json:"sku"`
	IsActive    *bool    `json:"isActive"`
}

func (req productRequest) apply(p *Product) {
	if req.OwnerID != nil {
		p.OwnerID = strings.TrimSpace(*req.OwnerID)
	}
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = strings.TrimSpace(*req.Description)
	}
	if req.Price != nil {
		p.Price = math.Round(*req.Price*100) / 100
	}
	if req.Stock != nil {
		p.Stock = *req.Stock
	}
	if req.SKU != nil {
		p.SKU = strings.ToUpper(strings.TrimSpace(*req.SKU))
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
}

func validateProduct(p Product) error {
	var v apperr.Validator
	v.Check(p.OwnerID != "", "ownerId", "is required")
	v.Check(p.Name != "", "name", "is required")
	v.Check(len(p.Name) <= 255, "name", "must be at most 255 characters")
	v.Check(len(p.Description) <= 2000, "description", "must be at most 2000 characters")
	v.Check(p.Price >= 0 && p.Price < 1e8, "price", "must be between 0 and 99999999.99")
	v.Check(p.Stock >= 0, "stock", "must not be negative")
	v.Check(p.SKU != "" && len(p.SKU) <= 64, "sku", "must be 1 to 64 characters")
	return v.Err()
}

func newSKU() string {
	return "SKU-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// ProductView is a product with its owner resolved from the local snapshot.
// Owner is nil when the snapshot is missing.
type ProductView struct {
	Product
	Owner *UserSnapshot `json:"owner"`
}

// JoinedProduct is a product enriched through userService.getUsersByIds.
type JoinedProduct struct {
	Product
	Owner []UserSnapshot `json:"owner"`
}

var ownerRelation = federation.Relation[JoinedProduct, UserSnapshot]{
	Service:    registry.UserService,
	Operation:  registry.GetUsersByIDs,
	ForeignKey: func(p JoinedProduct) string { return p.OwnerID },
	JoinKey:    func(u UserSnapshot) string { return u.ID },
	Attach: func(p JoinedProduct, owners []UserSnapshot) JoinedProduct {
		p.Owner = owners
		return p
	},
}

// checkOwner rejects an owner that has no local snapshot.
func (h *Handler) checkOwner(ctx context.Context, ownerID string) error {
	_, ok, err := h.users.FindByID(ctx, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Reference("ownerId", ownerID)
	}
	return nil
}

// authorize admits service callers and the product's owner.
func authorize(ctx context.Context, ownerID string) error {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return auth.ErrUnauthenticated
	}
	if p.Kind == auth.KindInternal || p.Subject == ownerID {
		return nil
	}
	return apperr.ErrForbidden
}

// authorizeTransfer admits only service callers to move a product to
// another owner.
func authorizeTransfer(ctx context.Context) error {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return auth.ErrUnauthenticated
	}
	if p.Kind != auth.KindInternal {
		return fmt.Errorf("changing ownerId %w", apperr.ErrForbidden)
	}
	return nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}

	now := h.now().UTC().Truncate(time.Second)
	p := Product{ID: uuid.NewString(), IsActive: true, CreatedAt: now, UpdatedAt: now}
	if principal, ok := auth.FromContext(r.Context()); ok && principal.Kind == auth.KindUser {
		p.OwnerID = principal.Subject
	}
	req.apply(&p)
	if p.SKU == "" {
		p.SKU = newSKU()
	}
	var v apperr.Validator
	v.Check(req.Name != nil, "name", "is required")
	v.Check(req.Price != nil, "price", "is required")
	if err := v.Err(); err != nil {
		respond.Error(w, err)
		return
	}
	if err := validateProduct(p); err != nil {
		respond.Error(w, err)
		return
	}
	if err := authorize(r.Context(), p.OwnerID); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.checkOwner(r.Context(), p.OwnerID); err != nil {
		respond.Error(w, err)
		return
	}

	if err := h.store.Create(r.Context(), p); err != nil {
		respond.Error(w, err)
		return
	}
	h.publish(r.Context(), events.Created, p.Data())

	respond.JSON(w, http.StatusCreated, "Product created successfully", p)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := respond.Pagination(r)
	if err != nil {
		respond.Error(w, err)
		return
	}
	include := r.URL.Query().Get("include")
	if include != "" && include != "owner" {
		respond.Error(w, &apperr.ValidationError{Fields: []apperr.FieldError{{Field: "include", Message: "must be \"owner\""}}})
		return
	}

	products, total, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		respond.Error(w, err)
		return
	}

	if include == "" {
		respond.OK(w, "Products retrieved successfully", respond.Page[Product]{Items: products, Total: total, Limit: limit, Offset: offset})
		return
	}

	items := make([]JoinedProduct, len(products))
	for i, p := range products {
		items[i] = JoinedProduct{Product: p}
	}
	items = federation.Join(r.Context(), h.remote, items, ownerRelation)
	respond.OK(w, "Products retrieved successfully", respond.Page[JoinedProduct]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	view := ProductView{Product: p}
	owner, ok, err := h.users.FindByID(r.Context(), p.OwnerID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	if ok {
		view.Owner = &owner
	}
	respond.OK(w, "Product retrieved successfully", view)
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
	products, err := h.store.GetMany(r.Context(), req.IDs)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, "Products retrieved successfully", products)
}

func (h *Handler) handleByUsers(w http.ResponseWriter, r *http.Request) {
	var req federation.IDs
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		respond.Error(w, err)
		return
	}
	products, err := h.store.ByOwners(r.Context(), req.IDs)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, "Products retrieved successfully", products)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, err)
		return
	}

	p, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	if err := authorize(r.Context(), p.OwnerID); err != nil {
		respond.Error(w, err)
		return
	}

	previousOwner := p.OwnerID
	req.apply(&p)
	if p.OwnerID != previousOwner {
		if err := authorizeTransfer(r.Context()); err != nil {
			respond.Error(w, err)
			return
		}
	}
	if err := validateProduct(p); err != nil {
		respond.Error(w, err)
		return
	}
	if p.OwnerID != previousOwner {
		if err := h.checkOwner(r.Context(), p.OwnerID); err != nil {
			respond.Error(w, err)
			return
		}
	}
	p.UpdatedAt = h.now().UTC().Truncate(time.Second)

	if err := h.store.Update(r.Context(), p); err != nil {
		respond.Error(w, err)
		return
	}
	h.publish(r.Context(), events.Updated, p.Data())

	respond.OK(w, "Product updated successfully", p)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	if err := authorize(r.Context(), p.OwnerID); err != nil {
		respond.Error(w, err)
		return
	}
	if err := h.store.Delete(r.Context(), p.ID); err != nil {
		respond.Error(w, err)
		return
	}
	h.publish(r.Context(), events.Deleted, p.Data())

	respond.OK(w, "Product deleted successfully", nil)
}

// publish runs after the write has committed. A failure is logged by the
// publisher and does not undo the write.
func (h *Handler) publish(ctx context.Context, t events.Type, p events.ProductData) {
	_ = h.events.Publish(ctx, t, p)
}
