package core

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"scopesafe/internal/types"
)

func TestRecoverer_NoPanic(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":true}` {
		t.Errorf("unexpected response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRecoverer_PanicReturnsJSON500(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(`something "quoted" went wrong`)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req_abc123"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response body: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeInternalUnexpected, resp.Error.Code)
	}
	if resp.Error.RequestID != "req_abc123" {
		t.Errorf("expected request_id req_abc123, got %q", resp.Error.RequestID)
	}
}

func TestRequestLogger_StoresLoggerAndRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var ctxLogger *slog.Logger
	handler := RequestIDMiddleware(RequestLogger(logger, defaultRedactedHeaders)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctxLogger = types.LoggerFromContext(r.Context(), nil)
			w.WriteHeader(http.StatusConflict)
		}),
	))

	req := httptest.NewRequest(http.MethodPost, "/v1/lifetime/checkout", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	req.Header.Set("X-Request-Id", "req_log")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if ctxLogger == nil || ctxLogger == logger {
		t.Error("expected a request-scoped logger in context")
	}
	out := buf.String()
	if strings.Contains(out, "secret-token") || strings.Contains(out, "v1=abc") {
		t.Errorf("credentials leaked into log: %s", out)
	}
	for _, want := range []string{`"request_id":"req_log"`, `"status":409`, `"level":"WARN"`, "[REDACTED]"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	srv := newTestServer(t)
	collector := &mockMetricsCollector{}
	srv.Metrics = collector

	r := chi.NewRouter()
	r.Use(srv.MetricsMiddleware)
	r.Get("/v1/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/items/42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if len(collector.calls) != 2 {
		t.Fatalf("expected 2 recorded requests, got %d", len(collector.calls))
	}
	if got := collector.calls[0]; got.endpoint != "/v1/items/{id}" || got.status != "202" || got.method != http.MethodGet {
		t.Errorf("unexpected first call: %+v", got)
	}
	if got := collector.calls[1]; got.status != "404" {
		t.Errorf("expected 404 for unmatched route, got %+v", got)
	}
}

func TestMetricsMiddleware_NilCollectorPassesThrough(t *testing.T) {
	srv := newTestServer(t)
	called := false
	handler := srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("next handler was not called")
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		preflight  bool
		wantOrigin string
		wantCreds  string
		wantStatus int
	}{
		{"wildcard", []string{"*"}, "https://evil.example", false, "*", "", http.StatusOK},
		{"listed origin", []string{"https://app.scopesafe.io/"}, "https://app.scopesafe.io", false, "https://app.scopesafe.io", "true", http.StatusOK},
		{"unlisted origin", []string{"https://app.scopesafe.io"}, "https://evil.example", false, "", "", http.StatusOK},
		{"preflight", []string{"https://app.scopesafe.io"}, "https://app.scopesafe.io", true, "https://app.scopesafe.io", "true", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodGet
			if tt.preflight {
				method = http.MethodOptions
			}
			req := httptest.NewRequest(method, "/v1/billing/entitlements", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			NewCORSMiddleware(tt.allowed)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}

func TestEscapeJSON(t *testing.T) {
	got := escapeJSON("a\"b\\c\nd\te")
	want := `a\"b\\c\nd\te`
	if got != want {
		t.Errorf("escapeJSON = %q, want %q", got, want)
	}
}
