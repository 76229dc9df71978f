package external

import (
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify returns nil when header is a valid signature of payload under
	// secret.
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier checks the Stripe-Signature HMAC and timestamp tolerance
// using stripe-go's webhook package.
type StripeVerifier struct {
	// Tolerance overrides webhook.DefaultTolerance when non-zero.
	Tolerance time.Duration
}

// Verify implements WebhookVerifier.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if v.Tolerance > 0 {
		return webhook.ValidatePayloadWithTolerance(payload, header, secret, v.Tolerance)
	}
	return webhook.ValidatePayload(payload, header, secret)
}

var _ WebhookVerifier = (*StripeVerifier)(nil)
