package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/untoldecay/dts/internal/types"
)

const maxBodyBytes = 1 << 20

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, types.CodeInternal, "method not allowed: use GET", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.version})
}

// handleTasks handles GET /tasks (list) and POST /tasks (submit).
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTasks(w, r)
	case http.MethodPost:
		s.handleCreateTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, types.CodeInternal, "method not allowed: use GET or POST", nil)
	}
}

// handleTasksSubpath routes POST /tasks/batch and GET /tasks/{id}.
func (s *Server) handleTasksSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if rest == "batch" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, types.CodeInternal, "method not allowed: use POST", nil)
			return
		}
		s.handleCreateBatch(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, types.CodeInternal, "method not allowed: use GET", nil)
		return
	}
	s.handleGetTask(w, r, rest)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task types.TaskCreate
	if !s.decodeBody(w, r, &task) {
		return
	}
	if err := task.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.CodeValidation, err.Error(), nil)
		return
	}
	if err := s.store.CreateTask(r.Context(), &task, nowMS(), s.maxAttempts); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": task.ID})
}

type batchCreateRequest struct {
	Tasks []types.TaskCreate `json:"tasks"`
}

type batchCreateResponse struct {
	Created []string `json:"created"`
	Count   int      `json:"count"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := types.ValidateBatch(req.Tasks); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.CodeValidation, err.Error(), nil)
		return
	}
	created, err := s.store.CreateTasksBatch(r.Context(), req.Tasks, nowMS(), s.maxAttempts)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchCreateResponse{Created: created, Count: len(created)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusNotFound, types.CodeNotFound, "not found: expected /tasks/{id}", nil)
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type taskListResponse struct {
	Tasks []*types.Task `json:"tasks"`
	Total int           `json:"total"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 200, 1, 1000)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0, 0, int(^uint(0)>>1))
	if !ok {
		return
	}
	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: tasks, Total: total})
}

// queryInt parses an integer query parameter, enforcing [min, max]. Writes
// a 400 VALIDATION_ERROR and returns ok=false on violation.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def, min, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation,
			fmt.Sprintf("%s must be an integer (got %q)", name, raw), nil)
		return 0, false
	}
	if v < min || v > max {
		writeError(w, http.StatusBadRequest, types.CodeValidation,
			fmt.Sprintf("%s must be between %d and %d (got %d)", name, min, max, v), nil)
		return 0, false
	}
	return v, true
}

// decodeBody decodes a JSON request body into v. The body is capped at
// 1 MiB and unknown fields are rejected. Writes a 422 VALIDATION_ERROR and
// returns false on any decode failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		msg := fmt.Sprintf("invalid JSON: %v", err)
		if errors.As(err, &maxErr) {
			msg = fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)
		}
		writeError(w, http.StatusUnprocessableEntity, types.CodeValidation, msg, nil)
		return false
	}
	return true
}

type errorResponse struct {
	Error   string          `json:"error"`
	Code    types.ErrorCode `json:"code"`
	Details map[string]any  `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code types.ErrorCode, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code, Details: details})
}

// writeDomainError maps repository errors onto HTTP statuses. Anything that
// is not a typed domain error is reported as a 500 without leaking the
// underlying message.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *types.Error
	if errors.As(err, &derr) {
		switch derr.Code {
		case types.CodeConflict:
			writeError(w, http.StatusConflict, derr.Code, derr.Message, derr.Details)
		case types.CodeDependency, types.CodeCycle, types.CodeValidation:
			writeError(w, http.StatusBadRequest, derr.Code, derr.Message, derr.Details)
		case types.CodeNotFound:
			writeError(w, http.StatusNotFound, derr.Code, derr.Message, derr.Details)
		default:
			writeError(w, http.StatusInternalServerError, types.CodeInternal, derr.Message, derr.Details)
		}
		return
	}
	loggerFrom(r.Context(), s.logger).Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, types.CodeInternal, "internal error", nil)
}
