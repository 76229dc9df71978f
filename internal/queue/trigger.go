// Package queue provides the SQS producer for on-demand reservation sweeps
// and the message format the sweeper consumes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"scopesafe/internal/config"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SweepRequest asks the sweeper to expire lapsed reservations.
type SweepRequest struct {
	RequestID   string    `json:"request_id"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
	// GraceSeconds overrides the configured sweep grace when positive.
	GraceSeconds int `json:"grace_seconds,omitempty"`
}

// Grace returns the override grace, or fallback when none was requested.
func (r SweepRequest) Grace(fallback time.Duration) time.Duration {
	if r.GraceSeconds > 0 {
		return time.Duration(r.GraceSeconds) * time.Second
	}
	return fallback
}

// ParseSweepRequest decodes an SQS message body. An empty body is a valid
// request with defaults.
func ParseSweepRequest(body string) (SweepRequest, error) {
	var req SweepRequest
	if body == "" {
		return req, nil
	}
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return SweepRequest{}, fmt.Errorf("queue: invalid sweep request: %w", err)
	}
	if req.GraceSeconds < 0 {
		return SweepRequest{}, fmt.Errorf("queue: invalid sweep request: negative grace_seconds")
	}
	return req, nil
}

// SweepTrigger enqueues sweep requests on the sweep queue.
type SweepTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweepTrigger creates a SweepTrigger for the queue in awsCfg.
func NewSweepTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *SweepTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepTrigger{
		client:   client,
		queueURL: awsCfg.SweepQueueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// TriggerSweep enqueues a sweep request and returns its ID. grace of zero
// keeps the sweeper's configured grace.
func (t *SweepTrigger) TriggerSweep(ctx context.Context, requestedBy string, grace time.Duration) (string, error) {
	if t.queueURL == "" {
		return "", fmt.Errorf("queue: sweep queue URL is not configured")
	}

	msg := SweepRequest{
		RequestID:    uuid.New().String(),
		RequestedAt:  t.now().UTC(),
		RequestedBy:  requestedBy,
		GraceSeconds: int(grace / time.Second),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal SweepRequest: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"requested_by": {
				DataType:    aws.String("String"),
				StringValue: aws.String(requestedBy),
			},
		},
	}
	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return "", fmt.Errorf("queue: failed to send SweepRequest to %s: %w", t.queueURL, err)
	}

	t.logger.InfoContext(ctx, "sweep request sent",
		"queue_url", t.queueURL,
		"request_id", msg.RequestID,
		"requested_by", requestedBy,
	)
	return msg.RequestID, nil
}
