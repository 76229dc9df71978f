// Package main is the entrypoint for the reservation sweeper Lambda.
//
// The function is invoked two ways:
//   - by an EventBridge schedule with a MaintenancePayload, and
//   - by the sweep SQS queue, fed by the ops CLI and other producers.
//
// Both paths run the same ReservationSweeper, which returns the slots of
// abandoned lifetime checkouts to the pool under a database job lock.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"scopesafe/internal/config"
	"scopesafe/internal/db"
	"scopesafe/internal/metrics"
	"scopesafe/internal/queue"
	"scopesafe/internal/scheduler"
)

// sweeperConfig is the subset of settings the sweeper needs. Loading it
// instead of config.Config keeps API-only secrets out of this function.
type sweeperConfig struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Database      config.DatabaseConfig
	AWS           config.AWSConfig
	Lifetime      config.LifetimeConfig
	Observability config.ObservabilityConfig
}

// Sweeper is the part of scheduler.ReservationSweeper the handler calls.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, grace time.Duration) (scheduler.SweepResult, error)
}

// Handler routes Lambda invocations to the sweeper.
type Handler struct {
	sweeper Sweeper
	grace   time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a Handler. grace applies when a request carries none.
func NewHandler(sweeper Sweeper, grace time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sweeper: sweeper, grace: grace, logger: logger, now: time.Now}
}

// invocation is decoded first to tell SQS batches from scheduled payloads.
type invocation struct {
	Records []json.RawMessage `json:"Records"`
}

// Handle accepts either an events.SQSEvent or a scheduler.MaintenancePayload.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var probe invocation
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decoding invocation: %w", err)
	}
	if len(probe.Records) > 0 {
		var ev events.SQSEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding SQS event: %w", err)
		}
		return h.HandleSQS(ctx, ev)
	}

	var payload scheduler.MaintenancePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding maintenance payload: %w", err)
	}
	return h.HandleScheduled(ctx, payload)
}

// HandleScheduled runs one sweep for an EventBridge invocation. An empty
// task defaults to the reservation sweep.
func (h *Handler) HandleScheduled(ctx context.Context, payload scheduler.MaintenancePayload) (scheduler.SweepResult, error) {
	if payload.Task != "" && payload.Task != scheduler.TaskSweepReservations {
		return scheduler.SweepResult{}, fmt.Errorf("unknown task type: %q", payload.Task)
	}
	now := payload.Now(h.now())
	h.logger.InfoContext(ctx, "scheduled sweep invoked", "reference_time", now.Format(time.RFC3339))
	return h.sweeper.Sweep(ctx, now, h.grace)
}

// HandleSQS runs one sweep per message and reports failed messages so SQS
// retries only those. Malformed messages are acknowledged and dropped.
func (h *Handler) HandleSQS(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range ev.Records {
		req, err := queue.ParseSweepRequest(record.Body)
		if err != nil {
			h.logger.ErrorContext(ctx, "dropping malformed sweep request",
				"message_id", record.MessageId,
				"error", err,
			)
			continue
		}

		res, err := h.sweeper.Sweep(ctx, h.now(), req.Grace(h.grace))
		if err != nil {
			h.logger.ErrorContext(ctx, "sweep request failed",
				"message_id", record.MessageId,
				"request_id", req.RequestID,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
			continue
		}
		h.logger.InfoContext(ctx, "sweep request processed",
			"message_id", record.MessageId,
			"request_id", req.RequestID,
			"requested_by", req.RequestedBy,
			"expired", res.Expired,
			"skipped", res.Skipped,
		)
	}

	return response, nil
}

func main() {
	bootLogger := newLogger("info")
	bootLogger.Info("reservation sweeper initializing (cold start)")

	if err := start(bootLogger); err != nil {
		bootLogger.Error("reservation sweeper failed to start", "error", err)
		os.Exit(1)
	}
}

func start(bootLogger *slog.Logger) error {
	ctx := context.Background()

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	}
	var cfg sweeperConfig
	if err := config.LoadInto(provider, &cfg); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	if cfg.LogLevel != "info" {
		bootLogger.Info("switching log level", "level", cfg.LogLevel)
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:        2,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		AcquireTimeout:  cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	collector, err := newCollector(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sweeper := scheduler.NewReservationSweeper(
		db.NewJobLockRepository(pool),
		db.NewLifetimePurchaseRepository(pool),
		collector,
		cfg.Lifetime.SweepLockTTL,
		logger,
	)
	handler := NewHandler(sweeper, cfg.Lifetime.SweepGrace, logger)

	logger.Info("reservation sweeper initialized", "worker_id", sweeper.WorkerID())
	lambda.Start(handler.Handle)
	return nil
}

// newCollector builds the metrics backend. A Lambda has no scrape endpoint,
// so prometheus falls back to none here.
func newCollector(ctx context.Context, cfg sweeperConfig, logger *slog.Logger) (metrics.Collector, error) {
	backend := cfg.Observability.MetricsBackend
	if backend == metrics.BackendPrometheus {
		backend = metrics.BackendNone
	}

	var cw metrics.CloudWatchClient
	if backend == metrics.BackendCloudWatch {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS SDK config: %w", err)
		}
		cw = cloudwatch.NewFromConfig(awsCfg, withEndpoint(cfg.AWS.EndpointURL))
	}

	collector, _, err := metrics.New(backend, cfg.Observability.MetricNamespace, cw, logger)
	if err != nil {
		return nil, fmt.Errorf("creating metrics collector: %w", err)
	}
	return collector, nil
}

// withEndpoint points the CloudWatch client at LocalStack when an endpoint
// override is configured.
func withEndpoint(endpoint string) func(*cloudwatch.Options) {
	return func(o *cloudwatch.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	}
}

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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
