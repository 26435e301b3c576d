package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/untoldecay/dts/internal/api"
	"github.com/untoldecay/dts/internal/storage/sqlite"
	"github.com/untoldecay/dts/internal/types"
)

// newTestAPI spins up a real API server over a migrated store.
func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()

	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	if _, err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	srv := api.NewServer(api.ServerConfig{
		Store:       store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:     "1.2.3",
		MaxAttempts: 3,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestNew(t *testing.T) {
	c := New("http://localhost:8000/")
	if c.baseURL != "http://localhost:8000" {
		t.Errorf("baseURL = %q, want trailing slash stripped", c.baseURL)
	}
	if c.httpClient.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", c.httpClient.Timeout)
	}
}

func TestNewWithOptions(t *testing.T) {
	c := New("http://localhost:8000",
		WithTimeout(5*time.Second),
		WithVersion("0.3.0"),
	)
	if c.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", c.httpClient.Timeout)
	}
	if c.version != "0.3.0" {
		t.Errorf("version = %q, want 0.3.0", c.version)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestAPI(t)
	c := New(ts.URL)

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if !h.OK {
		t.Error("OK = false, want true")
	}
	if h.Version != "1.2.3" {
		t.Errorf("Version = %q, want 1.2.3", h.Version)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	ts := newTestAPI(t)
	c := New(ts.URL)
	ctx := context.Background()

	id, err := c.SubmitTask(ctx, types.TaskCreate{
		ID:         "build",
		Type:       "shell",
		DurationMS: 500,
	})
	if err != nil {
		t.Fatalf("SubmitTask error: %v", err)
	}
	if id != "build" {
		t.Errorf("id = %q, want build", id)
	}

	task, err := c.GetTask(ctx, "build")
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if task.Status != types.StatusQueued {
		t.Errorf("status = %s, want QUEUED", task.Status)
	}
	if task.DurationMS != 500 {
		t.Errorf("duration_ms = %d, want 500", task.DurationMS)
	}
}

func TestSubmitBatch(t *testing.T) {
	ts := newTestAPI(t)
	c := New(ts.URL)

	resp, err := c.SubmitBatch(context.Background(), []types.TaskCreate{
		{ID: "deploy", Type: "shell", DurationMS: 100, Dependencies: []string{"build", "test"}},
		{ID: "build", Type: "shell", DurationMS: 100},
		{ID: "test", Type: "shell", DurationMS: 100, Dependencies: []string{"build"}},
	})
	if err != nil {
		t.Fatalf("SubmitBatch error: %v", err)
	}
	if resp.Count != 3 {
		t.Errorf("count = %d, want 3", resp.Count)
	}
	if len(resp.Created) != 3 {
		t.Errorf("created = %v, want 3 ids", resp.Created)
	}
}

func TestListTasks(t *testing.T) {
	ts := newTestAPI(t)
	c := New(ts.URL)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := c.SubmitTask(ctx, types.TaskCreate{ID: id, Type: "shell", DurationMS: 100}); err != nil {
			t.Fatalf("SubmitTask(%s) error: %v", id, err)
		}
		// Listing orders by created_at; keep the ms timestamps distinct.
		time.Sleep(2 * time.Millisecond)
	}

	list, err := c.ListTasks(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListTasks error: %v", err)
	}
	if list.Total != 3 {
		t.Errorf("total = %d, want 3", list.Total)
	}

	page, err := c.ListTasks(ctx, 2, 1)
	if err != nil {
		t.Fatalf("ListTasks page error: %v", err)
	}
	if len(page.Tasks) != 2 {
		t.Fatalf("page = %d tasks, want 2", len(page.Tasks))
	}
	if page.Tasks[0].ID != "t2" || page.Tasks[1].ID != "t3" {
		t.Errorf("page ids = [%s %s], want [t2 t3]", page.Tasks[0].ID, page.Tasks[1].ID)
	}
	if page.Total != 3 {
		t.Errorf("page total = %d, want 3", page.Total)
	}
}

func TestSubmitTaskConflict(t *testing.T) {
	ts := newTestAPI(t)
	c := New(ts.URL)
	ctx := context.Background()

	spec := types.TaskCreate{ID: "dup", Type: "shell", DurationMS: 100}
	if _, err := c.SubmitTask(ctx, spec); err != nil {
		t.Fatalf("first SubmitTask error: %v", err)
	}

	_, err := c.SubmitTask(ctx, spec)
	if err == nil {
		t.Fatal("second SubmitTask succeeded, want conflict")
	}
	aerr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if !aerr.IsConflict() {
		t.Errorf("code = %q, want CONFLICT", aerr.Code)
	}
	if aerr.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", aerr.StatusCode)
	}
	if aerr.Details["id"] != "dup" {
		t.Errorf("details = %v, want id=dup", aerr.Details)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	ts := newTestAPI(t)
	c := New(ts.URL)

	_, err := c.GetTask(context.Background(), "ghost")
	if err == nil {
		t.Fatal("GetTask succeeded, want not found")
	}
	aerr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if !aerr.IsNotFound() {
		t.Errorf("code = %q, want NOT_FOUND", aerr.Code)
	}
	if aerr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", aerr.StatusCode)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	ts := newTestAPI(t)
	c := New(ts.URL)

	_, err := c.SubmitTask(context.Background(), types.TaskCreate{
		ID: "bad", Type: "shell", DurationMS: 0,
	})
	if err == nil {
		t.Fatal("SubmitTask succeeded, want validation error")
	}
	aerr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if !aerr.IsValidation() {
		t.Errorf("code = %q, want VALIDATION_ERROR", aerr.Code)
	}
}

func TestParseErrorNonEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream gone"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Health(context.Background())
	if err == nil {
		t.Fatal("Health succeeded, want error")
	}
	aerr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if aerr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", aerr.StatusCode)
	}
	if aerr.Code != "" {
		t.Errorf("code = %q, want empty for non-envelope body", aerr.Code)
	}
	if aerr.Message != "upstream gone" {
		t.Errorf("message = %q, want raw body", aerr.Message)
	}
}

func TestWaitHealthy(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(HealthResponse{OK: true, Version: "1.2.3"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithVersion("1.0.0"))
	if err := c.WaitHealthy(context.Background()); err != nil {
		t.Fatalf("WaitHealthy error: %v", err)
	}
	if got := calls.Load(); got < 3 {
		t.Errorf("calls = %d, want >= 3", got)
	}
}

func TestWaitHealthyContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := New(srv.URL).WaitHealthy(ctx)
	if err == nil {
		t.Fatal("WaitHealthy succeeded, want error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("WaitHealthy took %v, want prompt exit on cancel", elapsed)
	}
}

func TestVersionSkewWarning(t *testing.T) {
	tests := []struct {
		name          string
		clientVersion string
		serverVersion string
		wantWarn      bool
	}{
		{"major skew", "1.0.0", "2.1.0", true},
		{"same major", "1.0.0", "1.9.9", false},
		{"dev build ignored", "dev", "2.0.0", false},
		{"no client version", "", "2.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(HealthResponse{OK: true, Version: tt.serverVersion})
			}))
			defer srv.Close()

			var buf bytes.Buffer
			c := New(srv.URL,
				WithVersion(tt.clientVersion),
				WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
			)
			if err := c.WaitHealthy(context.Background()); err != nil {
				t.Fatalf("WaitHealthy error: %v", err)
			}

			gotWarn := strings.Contains(buf.String(), "version skew")
			if gotWarn != tt.wantWarn {
				t.Errorf("warned = %v, want %v (log: %s)", gotWarn, tt.wantWarn, buf.String())
			}
		})
	}
}
