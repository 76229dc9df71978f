package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"scopesafe/internal/billing"
	"scopesafe/internal/core"
	"scopesafe/internal/types"
)

// SubscriptionService is the recurring-plan surface used by the HTTP layer.
type SubscriptionService interface {
	Checkout(ctx context.Context, actor types.Actor, rawTier string) (string, error)
	Portal(ctx context.Context, actor types.Actor) (string, error)
	Entitlements(ctx context.Context, userID string) (billing.Entitlements, error)
}

// CreateCheckoutRequest is the request body for
// POST /v1/billing/checkout-session. Redirect URLs are built server-side.
type CreateCheckoutRequest struct {
	Tier string `json:"tier" validate:"required,paid_tier"`
}

// SessionURLResponse carries a hosted Stripe page URL.
type SessionURLResponse struct {
	URL string `json:"url"`
}

// BillingHandler handles subscription actions initiated by the user.
type BillingHandler struct {
	service   SubscriptionService
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a new BillingHandler with the provided dependencies.
func NewBillingHandler(svc SubscriptionService, v *core.Validator, l *slog.Logger) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(l)
	}
	return &BillingHandler{service: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the billing endpoints. The plan catalogue is public.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Get("/plans", h.ListPlans)

		r.Group(func(r chi.Router) {
			r.Use(core.RequireActor)
			r.Post("/checkout-session", h.CreateCheckoutSession)
			r.Post("/portal-session", h.CreatePortalSession)
			r.Get("/entitlements", h.GetEntitlements)
		})
	})
}

// CreateCheckoutSession handles POST /v1/billing/checkout-session.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	actor, _ := types.GetActor(r.Context())
	url, err := h.service.Checkout(r.Context(), actor, req.Tier)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	types.LoggerFromContext(r.Context(), h.logger).InfoContext(r.Context(), "billing.checkout.created",
		"tier", req.Tier,
	)
	core.JSON(w, r, http.StatusOK, SessionURLResponse{URL: url})
}

// CreatePortalSession handles POST /v1/billing/portal-session.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())
	url, err := h.service.Portal(r.Context(), actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, SessionURLResponse{URL: url})
}

// GetEntitlements handles GET /v1/billing/entitlements.
func (h *BillingHandler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())
	ent, err := h.service.Entitlements(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ent})
}

// ListPlans handles GET /v1/billing/plans.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: billing.Plans()})
}
