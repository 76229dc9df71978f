package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"scopesafe/internal/config"
	"scopesafe/internal/db"
	"scopesafe/internal/lifetime"
	"scopesafe/internal/queue"
	"scopesafe/internal/scheduler"
	"scopesafe/internal/types"
)

// ctlConfig is the subset of settings the CLI reads.
type ctlConfig struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`

	Database config.DatabaseConfig
	AWS      config.AWSConfig
	Lifetime config.LifetimeConfig
}

// envBackend runs commands against the database and queue named by the
// environment.
type envBackend struct {
	cfg      ctlConfig
	pool     *pgxpool.Pool
	checkout *lifetime.CheckoutService
	limits   *db.TierLimitRepository
	sweeper  *scheduler.ReservationSweeper
	logger   *slog.Logger
}

func newEnvBackend(ctx context.Context) (backend, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	}
	var cfg ctlConfig
	if err := config.LoadInto(provider, &cfg); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:       2,
		AcquireTimeout: cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}

	users := db.NewUserRepository(pool)
	purchases := db.NewLifetimePurchaseRepository(pool)
	limits := db.NewTierLimitRepository(pool)

	// Availability only reads; no provider or lock is needed.
	return &envBackend{
		cfg:      cfg,
		pool:     pool,
		checkout: lifetime.NewCheckoutService(users, purchases, limits, nil, nil, nil, lifetime.CheckoutConfig{}, logger),
		limits:   limits,
		sweeper:  scheduler.NewReservationSweeper(db.NewJobLockRepository(pool), purchases, nil, cfg.Lifetime.SweepLockTTL, logger),
		logger:   logger,
	}, nil
}

func (b *envBackend) Availability(ctx context.Context) (lifetime.Availability, error) {
	return b.checkout.Availability(ctx)
}

func (b *envBackend) UpsertLimit(ctx context.Context, limit types.TierLimit) error {
	return b.limits.Upsert(ctx, limit)
}

func (b *envBackend) Sweep(ctx context.Context, now time.Time, grace time.Duration) (scheduler.SweepResult, error) {
	return b.sweeper.Sweep(ctx, now, grace)
}

// EnqueueSweep builds the SQS client on first use; the other commands never
// need AWS credentials.
func (b *envBackend) EnqueueSweep(ctx context.Context, requestedBy string, grace time.Duration) (string, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.cfg.AWS.Region))
	if err != nil {
		return "", fmt.Errorf("loading AWS SDK config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if b.cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &b.cfg.AWS.EndpointURL
		}
	})
	return queue.NewSweepTrigger(client, b.cfg.AWS, b.logger).TriggerSweep(ctx, requestedBy, grace)
}

func (b *envBackend) DefaultGrace() time.Duration {
	return b.cfg.Lifetime.SweepGrace
}

func (b *envBackend) Close() {
	b.pool.Close()
}
