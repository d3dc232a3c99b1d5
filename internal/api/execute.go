package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/store"
)

// Response headers describing how an invocation ran.
const (
	headerInvocationID = "X-Kiln-Invocation-Id"
	headerCold         = "X-Kiln-Cold"
)

// writeSlack is added to the function timeout and acquire timeout when
// extending the write deadline of an execute request.
const writeSlack = 5 * time.Second

// executeRequest is the JSON body for POST /v1/execute/{route}.
type executeRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// executeError is the JSON body for a failed invocation.
type executeError struct {
	Error        string      `json:"error"`
	Kind         engine.Kind `json:"kind"`
	InvocationID string      `json:"invocation_id"`
}

// statusForKind maps a failure kind to its HTTP status.
func statusForKind(k engine.Kind) int {
	if k == engine.KindResourceExhausted {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	route := strings.Trim(chi.URLParam(r, "*"), "/")

	f, err := s.store.GetFunctionByRoute(r.Context(), route)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !f.IsActive) {
		s.writeError(w, http.StatusNotFound, "function with given route not found or inactive")
		return
	}
	if err != nil {
		s.logger.Error("get function by route", "route", route, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up route")
		return
	}

	var req executeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		req.Payload = json.RawMessage("{}")
	}

	// Long-running functions outlive the server's default write timeout.
	deadline := f.Timeout() + s.pools.Config().AcquireTimeout + writeSlack
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		s.logger.Debug("set write deadline for execute", "error", err)
	}

	env := s.engine.Invoke(r.Context(), engine.InvocationFor(*f, req.Payload))

	w.Header().Set(headerInvocationID, env.InvocationID)
	w.Header().Set(headerCold, strconv.FormatBool(env.Cold))

	if !env.Success {
		s.writeJSON(w, statusForKind(env.Kind), executeError{
			Error:        env.Error,
			Kind:         env.Kind,
			InvocationID: env.InvocationID,
		})
		return
	}

	result := env.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	s.writeJSON(w, http.StatusOK, result)
}
