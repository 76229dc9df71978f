// Package handlers contains the HTTP handler implementations for the
// ScopeSafe billing API.
//
// Each handler declares the service contract it needs locally and receives
// the implementation through its constructor, so tests inject fakes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"scopesafe/internal/core"
	"scopesafe/internal/lifetime"
	"scopesafe/internal/types"
)

// LifetimeService is the lifetime program surface used by the HTTP layer.
type LifetimeService interface {
	Reserve(ctx context.Context, actor types.Actor) (*lifetime.Reservation, error)
	Availability(ctx context.Context) (lifetime.Availability, error)
	Status(ctx context.Context, userID string) (lifetime.UserStatus, error)
}

// LifetimeHandler serves the lifetime access endpoints.
type LifetimeHandler struct {
	service LifetimeService
	logger  *slog.Logger
}

// NewLifetimeHandler creates a LifetimeHandler.
func NewLifetimeHandler(svc LifetimeService, l *slog.Logger) *LifetimeHandler {
	if l == nil {
		l = slog.Default()
	}
	return &LifetimeHandler{service: svc, logger: l}
}

// RegisterRoutes mounts the lifetime endpoints. Availability is public;
// checkout and status need an authenticated user.
func (h *LifetimeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/lifetime", func(r chi.Router) {
		r.Get("/availability", h.Availability)

		r.Group(func(r chi.Router) {
			r.Use(core.RequireActor)
			r.Post("/checkout", h.Checkout)
			r.Get("/status", h.Status)
		})
	})
}

// Checkout handles POST /v1/lifetime/checkout. On success the client is
// sent to the hosted checkout page with a 303.
func (h *LifetimeHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())

	res, err := h.service.Reserve(r.Context(), actor)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	types.LoggerFromContext(r.Context(), h.logger).InfoContext(r.Context(), "redirecting to lifetime checkout",
		"purchase_id", res.PurchaseID,
		"tier", string(res.Tier),
	)
	core.SeeOther(w, r, res.CheckoutURL)
}

// Availability handles GET /v1/lifetime/availability.
func (h *LifetimeHandler) Availability(w http.ResponseWriter, r *http.Request) {
	avail, err := h.service.Availability(r.Context())
	if err != nil {
		types.LoggerFromContext(r.Context(), h.logger).ErrorContext(r.Context(), "failed to compute lifetime availability",
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	// Counts move with every reservation.
	w.Header().Set("Cache-Control", "no-store")
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: avail})
}

// Status handles GET /v1/lifetime/status.
func (h *LifetimeHandler) Status(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())

	status, err := h.service.Status(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: status})
}
