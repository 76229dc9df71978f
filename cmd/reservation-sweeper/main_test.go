package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"scopesafe/internal/config"
	"scopesafe/internal/metrics"
	"scopesafe/internal/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type sweepCall struct {
	now   time.Time
	grace time.Duration
}

type mockSweeper struct {
	calls []sweepCall
	errs  []error
}

func (m *mockSweeper) Sweep(_ context.Context, now time.Time, grace time.Duration) (scheduler.SweepResult, error) {
	i := len(m.calls)
	m.calls = append(m.calls, sweepCall{now: now, grace: grace})
	if i < len(m.errs) && m.errs[i] != nil {
		return scheduler.SweepResult{}, m.errs[i]
	}
	return scheduler.SweepResult{Expired: 2, Cutoff: now.Add(-grace)}, nil
}

var fixedNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestHandler(s Sweeper) *Handler {
	h := NewHandler(s, 5*time.Minute, testLogger())
	h.now = func() time.Time { return fixedNow }
	return h
}

func TestHandle_ScheduledPayload(t *testing.T) {
	s := &mockSweeper{}
	h := newTestHandler(s)

	out, err := h.Handle(context.Background(), json.RawMessage(`{"task":"sweep_reservations"}`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	res, ok := out.(scheduler.SweepResult)
	if !ok {
		t.Fatalf("Handle() returned %T, want scheduler.SweepResult", out)
	}
	if res.Expired != 2 {
		t.Errorf("Expired = %d, want 2", res.Expired)
	}
	if len(s.calls) != 1 || !s.calls[0].now.Equal(fixedNow) || s.calls[0].grace != 5*time.Minute {
		t.Errorf("unexpected sweep calls: %+v", s.calls)
	}
}

func TestHandle_ScheduledReferenceTime(t *testing.T) {
	s := &mockSweeper{}
	h := newTestHandler(s)

	if _, err := h.Handle(context.Background(), json.RawMessage(`{"reference_time":"2026-01-02T03:00:00Z"}`)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	want := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	if len(s.calls) != 1 || !s.calls[0].now.Equal(want) {
		t.Errorf("sweep now = %+v, want %v", s.calls, want)
	}
}

func TestHandle_UnknownTask(t *testing.T) {
	s := &mockSweeper{}
	h := newTestHandler(s)

	if _, err := h.Handle(context.Background(), json.RawMessage(`{"task":"archive_everything"}`)); err == nil {
		t.Fatal("expected error for unknown task")
	}
	if len(s.calls) != 0 {
		t.Errorf("sweeper called for unknown task")
	}
}

func TestHandle_InvalidJSON(t *testing.T) {
	h := newTestHandler(&mockSweeper{})
	if _, err := h.Handle(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected error for invalid invocation")
	}
}

func TestHandle_SQSEvent(t *testing.T) {
	s := &mockSweeper{}
	h := newTestHandler(s)

	raw := json.RawMessage(`{"Records":[
		{"messageId":"m1","body":"{\"request_id\":\"r1\",\"grace_seconds\":60}"},
		{"messageId":"m2","body":""}
	]}`)
	out, err := h.Handle(context.Background(), raw)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	resp, ok := out.(events.SQSEventResponse)
	if !ok {
		t.Fatalf("Handle() returned %T, want events.SQSEventResponse", out)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("unexpected failures: %+v", resp.BatchItemFailures)
	}
	if len(s.calls) != 2 {
		t.Fatalf("sweep calls = %d, want 2", len(s.calls))
	}
	if s.calls[0].grace != time.Minute {
		t.Errorf("first grace = %v, want 1m", s.calls[0].grace)
	}
	if s.calls[1].grace != 5*time.Minute {
		t.Errorf("second grace = %v, want default 5m", s.calls[1].grace)
	}
}

func TestHandleSQS_PartialFailure(t *testing.T) {
	s := &mockSweeper{errs: []error{nil, errors.New("db down")}}
	h := newTestHandler(s)

	resp, err := h.HandleSQS(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "ok", Body: "{}"},
		{MessageId: "fail", Body: "{}"},
	}})
	if err != nil {
		t.Fatalf("HandleSQS() error = %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "fail" {
		t.Errorf("BatchItemFailures = %+v, want [fail]", resp.BatchItemFailures)
	}
}

func TestHandleSQS_MalformedMessageDropped(t *testing.T) {
	s := &mockSweeper{}
	h := newTestHandler(s)

	resp, err := h.HandleSQS(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad", Body: `{"grace_seconds":-5}`},
		{MessageId: "junk", Body: `{{`},
	}})
	if err != nil {
		t.Fatalf("HandleSQS() error = %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("malformed messages should be acknowledged, got failures %+v", resp.BatchItemFailures)
	}
	if len(s.calls) != 0 {
		t.Errorf("sweeper called %d times for malformed messages", len(s.calls))
	}
}

func TestNewCollector_Backends(t *testing.T) {
	ctx := context.Background()

	for _, backend := range []string{metrics.BackendPrometheus, metrics.BackendNone} {
		cfg := sweeperConfig{Observability: config.ObservabilityConfig{MetricsBackend: backend}}
		collector, err := newCollector(ctx, cfg, testLogger())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", backend, err)
		}
		if _, ok := collector.(metrics.Noop); !ok {
			t.Errorf("%s: expected Noop collector, got %T", backend, collector)
		}
	}

	cfg := sweeperConfig{
		AWS:           config.AWSConfig{Region: "eu-central-1", EndpointURL: "http://localhost:4566"},
		Observability: config.ObservabilityConfig{MetricsBackend: metrics.BackendCloudWatch, MetricNamespace: "ScopeSafe"},
	}
	collector, err := newCollector(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("cloudwatch: unexpected error: %v", err)
	}
	if _, ok := collector.(*metrics.CloudWatchCollector); !ok {
		t.Errorf("cloudwatch: expected *metrics.CloudWatchCollector, got %T", collector)
	}
}

func TestWithEndpoint(t *testing.T) {
	var o cloudwatch.Options
	withEndpoint("")(&o)
	if o.BaseEndpoint != nil {
		t.Errorf("empty endpoint must leave BaseEndpoint unset, got %q", *o.BaseEndpoint)
	}

	withEndpoint("http://localhost:4566")(&o)
	if o.BaseEndpoint == nil || *o.BaseEndpoint != "http://localhost:4566" {
		t.Errorf("expected LocalStack endpoint, got %v", o.BaseEndpoint)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		logger := newLogger(tt.level)
		if !logger.Enabled(context.Background(), tt.want) {
			t.Errorf("%q: level %v should be enabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-4) {
			t.Errorf("%q: level below %v should be disabled", tt.level, tt.want)
		}
	}
}
