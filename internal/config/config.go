// Package config defines the process configuration for the ScopeSafe billing
// service. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format stops the process at
// startup.
package config

import (
	"strings"
	"time"

	"scopesafe/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials so they never reach logs.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"scopesafe-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Lifetime      LifetimeConfig
	Auth          AuthConfig
	Redis         RedisConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// AppURL is the public web origin used to build checkout redirects
	// (no trailing slash).
	AppURL         string        `envconfig:"APP_URL" default:"http://localhost:3000" validate:"url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-central-1"`

	// SweepQueueURL receives on-demand reservation sweep requests.
	SweepQueueURL string `envconfig:"SQS_SWEEP_QUEUE" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds the Stripe credentials and catalogue identifiers.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	// StripeAPIURL is overridden only by tests and local mocks.
	StripeAPIURL string `envconfig:"STRIPE_API_URL" validate:"omitempty,url"`

	LifetimeProductEarly string `envconfig:"STRIPE_PRODUCT_ID_LIFETIME_EARLY"`
	LifetimeProductMid   string `envconfig:"STRIPE_PRODUCT_ID_LIFETIME_MID"`
	LifetimeProductFinal string `envconfig:"STRIPE_PRODUCT_ID_LIFETIME_FINAL"`

	ProProductID      string `envconfig:"STRIPE_PRODUCT_ID_PRO"`
	BusinessProductID string `envconfig:"STRIPE_PRODUCT_ID_BUSINESS"`

	// Redirect overrides; empty values derive from Server.AppURL.
	CheckoutSuccessURL string `envconfig:"STRIPE_CHECKOUT_SUCCESS_URL" validate:"omitempty,url"`
	CheckoutCancelURL  string `envconfig:"STRIPE_CHECKOUT_CANCEL_URL" validate:"omitempty,url"`
	PortalReturnURL    string `envconfig:"STRIPE_PORTAL_RETURN_URL" validate:"omitempty,url"`

	// WebhookTolerance overrides the signature timestamp window when set.
	WebhookTolerance time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE"`
}

// LifetimeProducts returns the configured lifetime product per tier,
// omitting tiers without a product.
func (b BillingConfig) LifetimeProducts() map[types.LifetimeTier]string {
	out := make(map[types.LifetimeTier]string, 3)
	for tier, id := range map[types.LifetimeTier]string{
		types.LifetimeTierEarly: b.LifetimeProductEarly,
		types.LifetimeTierMid:   b.LifetimeProductMid,
		types.LifetimeTierFinal: b.LifetimeProductFinal,
	} {
		if id = strings.TrimSpace(id); id != "" {
			out[tier] = id
		}
	}
	return out
}

// SubscriptionProducts returns the configured product per paid plan.
func (b BillingConfig) SubscriptionProducts() map[types.SubscriptionTier]string {
	out := make(map[types.SubscriptionTier]string, 2)
	if id := strings.TrimSpace(b.ProProductID); id != "" {
		out[types.SubscriptionPro] = id
	}
	if id := strings.TrimSpace(b.BusinessProductID); id != "" {
		out[types.SubscriptionBusiness] = id
	}
	return out
}

// LifetimeConfig tunes the reservation lifecycle.
type LifetimeConfig struct {
	ReservationTTL time.Duration `envconfig:"LIFETIME_RESERVATION_TTL" default:"15m" validate:"gt=0"`
	// SweepGrace is how long past its expiry a reservation stays pending
	// before the sweeper marks it expired.
	SweepGrace   time.Duration `envconfig:"LIFETIME_SWEEP_GRACE" default:"5m" validate:"gte=0"`
	SweepLockTTL time.Duration `envconfig:"LIFETIME_SWEEP_LOCK_TTL" default:"5m" validate:"gt=0"`
}

// AuthConfig holds the identity provider's token verification settings.
type AuthConfig struct {
	JWTSecret SecretString `envconfig:"SUPABASE_JWT_SECRET" validate:"required,min=32"`
	Issuer    string       `envconfig:"SUPABASE_JWT_ISSUER"`
	Audience  string       `envconfig:"SUPABASE_JWT_AUDIENCE" default:"authenticated"`
}

// RedisConfig holds the cache connection used for rate limiting and
// checkout locks. An empty URL disables both.
type RedisConfig struct {
	URL             SecretString  `envconfig:"REDIS_URL"`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"120" validate:"min=1"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// SecurityConfig holds CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"none" validate:"oneof=cloudwatch prometheus none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"ScopeSafe"`
}

// BuildInfo identifies the running binary in logs and /health.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Set at link time:
//
//	go build -ldflags "-X scopesafe/internal/config.version=1.2.3 -X scopesafe/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the link-time build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed into
	// its target type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
