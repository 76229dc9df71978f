package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"scopesafe/internal/types"
)

var testActor = types.Actor{ID: "user_123", Email: "owner@example.com", Type: types.ActorTypeUser}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve runs req through a router with the handler's routes mounted under
// /v1. A non-empty actor is placed in the request context the way the auth
// middleware would.
func serve(register func(chi.Router), method, path string, body []byte, actor *types.Actor) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/v1", register)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if actor != nil {
		req = req.WithContext(types.WithActor(req.Context(), *actor))
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", rr.Body.String(), err)
	}
	return resp.Error.Code
}

func decodeErrorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", rr.Body.String(), err)
	}
	return resp.Error.Message
}
