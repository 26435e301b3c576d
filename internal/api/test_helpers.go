package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/dts/internal/storage/sqlite"
	"github.com/untoldecay/dts/internal/types"
)

const testMaxAttempts = 3

func setupTestServer(t *testing.T) (*Server, *sqlite.Store) {
	t.Helper()

	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close test database: %v", err)
		}
	})
	if _, err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	server := NewServer(ServerConfig{
		Store:       store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:     "test",
		MaxAttempts: testMaxAttempts,
	})
	return server, store
}

// doJSON sends a request with an optional JSON body through the full
// middleware chain and returns the recorder.
func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

// doRaw sends a request with a raw body, for malformed-payload cases.
func doRaw(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

// decodeBody unmarshals a recorded JSON response into v.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
}

// decodeError asserts the status code and returns the decoded error body.
func decodeError(t *testing.T, w *httptest.ResponseRecorder, wantStatus int, wantCode types.ErrorCode) errorResponse {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("expected status %d, got %d (body %q)", wantStatus, w.Code, w.Body.String())
	}
	var resp errorResponse
	decodeBody(t, w, &resp)
	if resp.Code != wantCode {
		t.Fatalf("expected code %s, got %s (body %q)", wantCode, resp.Code, w.Body.String())
	}
	return resp
}

func newTaskCreate(id string, deps ...string) types.TaskCreate {
	if deps == nil {
		deps = []string{}
	}
	return types.TaskCreate{
		ID:           id,
		Type:         "test",
		DurationMS:   1000,
		Dependencies: deps,
	}
}

// submitTask creates a task through the API and asserts the 201.
func submitTask(t *testing.T, server *Server, task types.TaskCreate) {
	t.Helper()
	w := doJSON(t, server, http.MethodPost, "/tasks", task)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating %s, got %d (body %q)", task.ID, w.Code, w.Body.String())
	}
}

// markRunningThenCompleted drives a task through claim and completion so
// dependency-related responses can be exercised.
func markRunningThenCompleted(t *testing.T, store *sqlite.Store, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UnixMilli()
	claims, err := store.ClaimRunnableTasks(ctx, now, 60_000, 100)
	if err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	for _, c := range claims {
		if c.ID == id {
			if err := store.MarkCompleted(ctx, id, now+1); err != nil {
				t.Fatalf("Failed to complete %s: %v", id, err)
			}
			return
		}
	}
	t.Fatalf("task %s was not claimable", id)
}
