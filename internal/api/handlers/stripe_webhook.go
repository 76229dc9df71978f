package handlers

// The Stripe webhook endpoint is NOT behind auth middleware; Stripe calls it
// directly. Requests are authenticated by the Stripe-Signature HMAC.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"scopesafe/internal/billing"
	"scopesafe/internal/core"
	"scopesafe/internal/external"
	"scopesafe/internal/lifetime"
	"scopesafe/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// Checkout session events routed to the lifetime settler.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventCheckoutExpired       = "checkout.session.expired"
	EventCheckoutPaymentFailed = "checkout.session.async_payment_failed"
)

// LifetimeSettler finalizes lifetime reservations. Each method logs its own
// failures and returns the outcome for diagnostics.
type LifetimeSettler interface {
	Complete(ctx context.Context, cs lifetime.CompletedSession) string
	Expire(ctx context.Context, ref types.PurchaseRef, paymentIntentID string) string
	Fail(ctx context.Context, ref types.PurchaseRef, paymentIntentID string) string
}

// SubscriptionEventApplier mirrors subscription events onto users.
type SubscriptionEventApplier interface {
	ApplyEvent(ctx context.Context, ev billing.SubscriptionEvent) string
}

// StripeWebhookHandler handles asynchronous events from Stripe.
type StripeWebhookHandler struct {
	verifier      external.WebhookVerifier
	settler       LifetimeSettler
	subscriptions SubscriptionEventApplier
	secret        types.SecretString
	logger        *slog.Logger
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler with the provided dependencies.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	settler LifetimeSettler,
	subscriptions SubscriptionEventApplier,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:      verifier,
		settler:       settler,
		subscriptions: subscriptions,
		secret:        secret,
		logger:        logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events:
//  1. Rejects the call when no signing secret is configured.
//  2. Reads the raw body (64 KB cap) and verifies Stripe-Signature.
//  3. Parses the event and routes it by type.
//  4. Acknowledges with {"received": true}.
//
// Lifetime and subscription handlers swallow their own store failures, so a
// 500 only follows an event whose object cannot be decoded.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := types.LoggerFromContext(ctx, h.logger)

	if !h.secret.IsSet() || h.verifier == nil {
		logger.ErrorContext(ctx, "stripe webhook invoked without configuration")
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "Stripe webhook misconfigured.", nil))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		logger.WarnContext(ctx, "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidSignature, "Missing Stripe-Signature header.", nil))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "failed to read request body", err))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		logger.ErrorContext(ctx, "stripe webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidSignature, "Invalid signature.", err))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.ErrorContext(ctx, "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid webhook event JSON", err))
		return
	}

	logger = logger.With("event_id", event.ID, "event_type", event.Type)
	ctx = types.WithLogger(ctx, logger)

	if err := h.routeEvent(ctx, logger, &event); err != nil {
		logger.ErrorContext(ctx, "stripe webhook processing error", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "Webhook handler failure.", err))
		return
	}

	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}

// routeEvent dispatches the webhook event to the settler or the
// subscription service based on the event type.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, logger *slog.Logger, event *stripeWebhookEvent) error {
	switch event.Type {
	case EventCheckoutCompleted, EventCheckoutExpired, EventCheckoutPaymentFailed:
		var session stripeCheckoutSessionObj
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return fmt.Errorf("%s: decode session: %w", event.Type, err)
		}
		h.routeSession(ctx, event.Type, &session)
		return nil

	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub stripeSubscriptionObj
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return fmt.Errorf("%s: decode subscription: %w", event.Type, err)
		}
		outcome := h.subscriptions.ApplyEvent(ctx, sub.toEvent(event.Type))
		logger.DebugContext(ctx, "subscription event applied", "outcome", outcome)
		return nil

	default:
		logger.DebugContext(ctx, "ignoring unhandled webhook event type")
		return nil
	}
}

func (h *StripeWebhookHandler) routeSession(ctx context.Context, eventType string, session *stripeCheckoutSessionObj) {
	var outcome string
	switch eventType {
	case EventCheckoutCompleted:
		outcome = h.settler.Complete(ctx, session.toCompleted())
	case EventCheckoutExpired:
		outcome = h.settler.Expire(ctx, session.ref(), session.PaymentIntent.ID)
	case EventCheckoutPaymentFailed:
		outcome = h.settler.Fail(ctx, session.ref(), session.PaymentIntent.ID)
	}
	types.LoggerFromContext(ctx, h.logger).DebugContext(ctx, "checkout session event settled",
		"session_id", session.ID,
		"outcome", outcome,
	)
}

// ---------------------------------------------------------------------------
// Stripe Event Parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event.
// The full stripe.Event type is not used so tests can build payloads as
// plain maps.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeRef decodes a field Stripe sends either as an ID string or as an
// expanded object.
type stripeRef struct {
	ID string
}

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

// stripeCustomerRef is a customer ID, or an expanded customer whose
// metadata may carry the user ID.
type stripeCustomerRef struct {
	ID       string
	Metadata map[string]string
	Deleted  bool
}

func (c *stripeCustomerRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &c.ID)
	}
	var obj struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
		Deleted  bool              `json:"deleted"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	c.ID, c.Metadata, c.Deleted = obj.ID, obj.Metadata, obj.Deleted
	return nil
}

type stripeCheckoutSessionObj struct {
	ID                string                 `json:"id"`
	Mode              string                 `json:"mode"`
	PaymentStatus     string                 `json:"payment_status"`
	ClientReferenceID string                 `json:"client_reference_id"`
	Metadata          map[string]string      `json:"metadata"`
	Customer          stripeCustomerRef      `json:"customer"`
	CustomerEmail     string                 `json:"customer_email"`
	CustomerDetails   *stripeCustomerDetails `json:"customer_details"`
	PaymentIntent     stripeRef              `json:"payment_intent"`
}

type stripeCustomerDetails struct {
	Email string `json:"email"`
}

func (s *stripeCheckoutSessionObj) ref() types.PurchaseRef {
	return types.PurchaseRef{ID: s.Metadata[external.MetaPurchaseID], SessionID: s.ID}
}

func (s *stripeCheckoutSessionObj) toCompleted() lifetime.CompletedSession {
	userID := s.ClientReferenceID
	if userID == "" {
		userID = s.Metadata[external.MetaUserID]
	}
	email := s.CustomerEmail
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		email = s.CustomerDetails.Email
	}
	return lifetime.CompletedSession{
		SessionID:       s.ID,
		Mode:            s.Mode,
		PaymentStatus:   s.PaymentStatus,
		PurchaseID:      s.Metadata[external.MetaPurchaseID],
		Tier:            types.LifetimeTier(s.Metadata[external.MetaLifetimeTier]),
		UserID:          userID,
		Email:           strings.ToLower(email),
		CustomerID:      s.Customer.ID,
		PaymentIntentID: s.PaymentIntent.ID,
	}
}

type stripeSubscriptionObj struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Customer stripeCustomerRef `json:"customer"`
	Metadata map[string]string `json:"metadata"`
	CancelAt int64             `json:"cancel_at"`
	Items    stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	CurrentPeriodEnd int64           `json:"current_period_end"`
	Price            *stripeSubPrice `json:"price"`
	Plan             *stripeSubPrice `json:"plan"`
}

// stripeSubPrice covers both the price and the legacy plan object.
type stripeSubPrice struct {
	ID      string    `json:"id"`
	Product stripeRef `json:"product"`
}

func (s *stripeSubscriptionObj) toEvent(eventType string) billing.SubscriptionEvent {
	ev := billing.SubscriptionEvent{
		Type:           eventType,
		SubscriptionID: s.ID,
		CustomerID:     s.Customer.ID,
		Status:         types.SubscriptionStatus(s.Status),
		UserID:         s.Metadata[external.MetaUserID],
		CancelAt:       unixTime(s.CancelAt),
	}
	if ev.UserID == "" && !s.Customer.Deleted {
		ev.UserID = s.Customer.Metadata[external.MetaUserID]
	}

	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		ev.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		price := item.Price
		if price == nil {
			price = item.Plan
		}
		if price != nil {
			ev.PriceID = price.ID
			ev.ProductID = price.Product.ID
		}
	}
	return ev
}

// unixTime converts a Stripe timestamp; zero means absent.
func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
