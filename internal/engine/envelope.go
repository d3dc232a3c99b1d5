package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/language"
	"github.com/seantiz/kiln/internal/pool"
)

// Kind classifies a failed invocation.
type Kind string

// Failure kinds. A successful envelope has an empty Kind.
const (
	KindTimedOut          Kind = "TimedOut"
	KindExecutionFailure  Kind = "ExecutionFailure"
	KindBackendFault      Kind = "BackendFault"
	KindResourceExhausted Kind = "ResourceExhausted"
)

// Envelope is the outcome of one invocation.
type Envelope struct {
	InvocationID string          `json:"invocation_id"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Kind         Kind            `json:"kind,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	Backend      string          `json:"backend"`
	SandboxID    string          `json:"sandbox_id,omitempty"`
	Cold         bool            `json:"cold"`
	Logs         []string        `json:"logs,omitempty"`
}

// Classify maps an invocation error to its failure kind. Unrecognized errors
// are treated as backend faults.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, pool.ErrResourceExhausted), errors.Is(err, pool.ErrClosed):
		return KindResourceExhausted
	case errors.Is(err, backend.ErrTimedOut),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTimedOut
	case language.IsExecutionError(err):
		return KindExecutionFailure
	default:
		return KindBackendFault
	}
}
