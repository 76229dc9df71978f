// Package main is the entry point for the ScopeSafe billing API.
//
// It loads configuration, connects Postgres and (optionally) Redis, builds
// the lifetime and subscription services, mounts them on the core chassis
// and starts serving.
//
// Inside AWS Lambda the router is served through the API Gateway HTTP API
// bridge in lambda.go; otherwise it listens on the configured port with
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-redis/redis/v8"

	"scopesafe/internal/api/handlers"
	"scopesafe/internal/auth"
	"scopesafe/internal/billing"
	"scopesafe/internal/cache"
	"scopesafe/internal/config"
	"scopesafe/internal/core"
	"scopesafe/internal/db"
	"scopesafe/internal/external"
	"scopesafe/internal/lifetime"
	"scopesafe/internal/metrics"
	"scopesafe/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("scopesafe API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}
	return runHTTPServer(srv, cfg, logger)
}

// secretProvider returns the SSM provider outside local development.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
}

// buildServer wires every dependency into a mounted core.Server.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		AcquireTimeout:  cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{ProbeName: "database", Fn: pool.Ping})
	srv.ShutdownHooks = append(srv.ShutdownHooks, func(context.Context) error {
		pool.Close()
		return nil
	})

	users := db.NewUserRepository(pool)
	purchases := db.NewLifetimePurchaseRepository(pool)
	limits := db.NewTierLimitRepository(pool)

	// Redis is optional; without it checkout runs unlocked and requests are
	// not rate limited.
	var locker lifetime.CheckoutLocker
	if cfg.Redis.URL.IsSet() {
		rdb, err := cache.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting redis: %w", err)
		}
		locker = cache.NewCheckoutLock(rdb, logger)
		srv.RateLimitStore = cache.NewRateLimitStore(rdb)
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
			ProbeName: "redis",
			Fn:        func(ctx context.Context) error { return cache.Ping(ctx, rdb) },
		})
		srv.ShutdownHooks = append(srv.ShutdownHooks, closeRedis(rdb))
	} else {
		logger.Warn("REDIS_URL not set; checkout locks and rate limiting disabled")
	}

	collector, metricsHandler, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Metrics = collector
	srv.MetricsHandler = metricsHandler

	srv.Authenticator = auth.NewSupabaseAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, logger)

	stripeClient := external.NewStripeClient(external.NewStripeHTTPClient(), external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.StripeAPIURL,
		Logger:    logger,
	})

	checkout := lifetime.NewCheckoutService(users, purchases, limits, stripeClient, locker, collector, lifetime.CheckoutConfig{
		ProductIDs:     cfg.Billing.LifetimeProducts(),
		AppURL:         cfg.Server.AppURL,
		ReservationTTL: cfg.Lifetime.ReservationTTL,
	}, logger)
	settler := lifetime.NewSettler(purchases, users, collector, logger)

	subCfg := billing.DefaultSubscriptionConfig(billing.SubscriptionConfig{
		Products: billing.ProductTiers(cfg.Billing.SubscriptionProducts()),
		Redirects: types.RedirectURLs{
			Success: cfg.Billing.CheckoutSuccessURL,
			Cancel:  cfg.Billing.CheckoutCancelURL,
		},
		PortalReturnURL: cfg.Billing.PortalReturnURL,
	}, cfg.Server.AppURL)
	subscriptions := billing.NewSubscriptionService(users, stripeClient, subCfg, logger)

	verifier := &external.StripeVerifier{Tolerance: cfg.Billing.WebhookTolerance}

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		handlers.NewLifetimeHandler(checkout, logger).RegisterRoutes,
		handlers.NewBillingHandler(subscriptions, srv.Validator, logger).RegisterRoutes,
		handlers.NewStripeWebhookHandler(verifier, settler, subscriptions, cfg.Billing.StripeWebhookSecret, logger).RegisterRoutes,
	)

	srv.MountRoutes()
	return srv, nil
}

// newMetrics builds the configured metrics backend. The CloudWatch client is
// only created when that backend is selected.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.Collector, http.Handler, error) {
	var cw metrics.CloudWatchClient
	if cfg.Observability.MetricsBackend == metrics.BackendCloudWatch {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("loading AWS SDK config: %w", err)
		}
		cw = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = &cfg.AWS.EndpointURL
			}
		})
	}
	collector, handler, err := metrics.New(cfg.Observability.MetricsBackend, cfg.Observability.MetricNamespace, cw, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating metrics collector: %w", err)
	}
	return collector, handler, nil
}

func closeRedis(rdb *redis.Client) func(context.Context) error {
	return func(context.Context) error {
		return rdb.Close()
	}
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
