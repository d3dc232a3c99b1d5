package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/language"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// functionRequest is the JSON body for POST and PUT /v1/functions.
type functionRequest struct {
	Name     string `json:"name"`
	Route    string `json:"route"`
	Language string `json:"language"`
	Code     string `json:"code"`
	TimeoutS int    `json:"timeout"`
	Backend  string `json:"virtualization_backend"`
	IsActive *bool  `json:"is_active"`
}

// apply copies the request fields onto f.
func (req functionRequest) apply(f *model.Function) {
	f.Name = req.Name
	f.Route = req.Route
	f.Language = req.Language
	f.Code = req.Code
	f.TimeoutS = req.TimeoutS
	f.Backend = req.Backend
	f.IsActive = true
	if req.IsActive != nil {
		f.IsActive = *req.IsActive
	}
}

// listFunctionsResponse wraps the paginated list response.
type listFunctionsResponse struct {
	Functions []*model.Function `json:"functions"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// validate checks f against the registered backends and confirms its code
// can be wrapped by the language harness.
func (s *Server) validate(f *model.Function) error {
	if err := f.Validate(s.registry); err != nil {
		return err
	}
	rt, err := language.Lookup(f.Language)
	if err != nil {
		return &model.ValidationError{Field: "language", Reason: err.Error()}
	}
	if _, err := rt.Prepare(f.Code); err != nil {
		return &model.ValidationError{Field: "code", Reason: err.Error()}
	}
	return nil
}

// warm registers an active function's code for pre-warming.
func (s *Server) warm(f *model.Function) {
	if !f.IsActive {
		return
	}
	if err := s.engine.Warm(engine.InvocationFor(*f, nil)); err != nil {
		s.logger.Warn("register function for prewarm", "route", f.Route, "error", err)
	}
}

// retire drains the pools of route and ends its log streams.
func (s *Server) retire(ctx context.Context, route string) {
	n := s.pools.Drain(ctx, route)
	s.engine.Broker().Close(route)
	s.logger.Info("route retired", "route", route, "sandboxes_destroyed", n)
}

func (s *Server) decodeFunction(w http.ResponseWriter, r *http.Request) (functionRequest, bool) {
	var req functionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	return req, true
}

// writeStoreError maps store and validation errors to HTTP responses.
func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, model.ErrConfiguration):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrDuplicateRoute):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "function not found")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to %s", op))
	}
}

func (s *Server) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFunction(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	f := &model.Function{ID: model.NewID(), CreatedAt: now, UpdatedAt: now}
	req.apply(f)

	if err := s.validate(f); err != nil {
		s.writeStoreError(w, "create function", err)
		return
	}
	if err := s.store.CreateFunction(r.Context(), f); err != nil {
		s.writeStoreError(w, "create function", err)
		return
	}

	s.warm(f)
	s.logger.Info("function created", "function_id", f.ID, "route", f.Route, "backend", f.Backend)
	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFunction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, "get function", err)
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	functions, total, err := s.store.ListFunctions(r.Context(), limit, offset)
	if err != nil {
		s.writeStoreError(w, "list functions", err)
		return
	}

	if functions == nil {
		functions = []*model.Function{}
	}

	s.writeJSON(w, http.StatusOK, listFunctionsResponse{
		Functions: functions,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleUpdateFunction(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeFunction(w, r)
	if !ok {
		return
	}

	f, err := s.store.GetFunction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, "update function", err)
		return
	}
	oldRoute := f.Route

	req.apply(f)
	f.UpdatedAt = time.Now().UTC()
	if err := s.validate(f); err != nil {
		s.writeStoreError(w, "update function", err)
		return
	}
	if err := s.store.UpdateFunction(r.Context(), f); err != nil {
		s.writeStoreError(w, "update function", err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	s.retire(ctx, oldRoute)
	if f.Route != oldRoute {
		s.retire(ctx, f.Route)
	}
	s.warm(f)

	s.logger.Info("function updated", "function_id", f.ID, "route", f.Route)
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	f, err := s.store.GetFunction(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, "delete function", err)
		return
	}
	if err := s.store.DeleteFunction(r.Context(), id); err != nil {
		s.writeStoreError(w, "delete function", err)
		return
	}

	s.retire(context.WithoutCancel(r.Context()), f.Route)

	s.logger.Info("function deleted", "function_id", id, "route", f.Route)
	s.writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("function %s deleted", id)})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
