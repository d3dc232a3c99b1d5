package backend

import (
	"context"
	"time"
)

// Backend is the interface that all isolation backends must implement.
// A backend manages execution units; it never retries a failed Create or
// Load itself.
type Backend interface {
	// Name is the selector functions use to choose this backend.
	Name() string

	// Capabilities reports what languages this backend can host.
	Capabilities() Capabilities

	// Create provisions a new, empty execution unit.
	Create(ctx context.Context) (Unit, error)

	// Load installs prepared code into the unit, replacing any previous code.
	Load(ctx context.Context, u Unit, spec LoadSpec) error

	// Run executes the loaded code once with the given payload. When ctx is
	// done before the code finishes, the backend forcibly terminates the
	// execution and returns an error matching ErrTimedOut.
	Run(ctx context.Context, u Unit, payload []byte) (RawResult, error)

	// Destroy releases all resources held by the unit. It is safe to call
	// on a unit whose execution was killed.
	Destroy(ctx context.Context, u Unit) error
}

// Resetter is implemented by backends that can scrub per-invocation state
// from a unit before it is reused.
type Resetter interface {
	Reset(ctx context.Context, u Unit) error
}

// Unit is an opaque handle to one execution unit owned by a backend.
type Unit interface {
	ID() string
}

// LoadSpec is code prepared by a language adapter for loading into a unit.
type LoadSpec struct {
	Language string `json:"language"`

	// Files maps paths relative to the unit's work directory to contents.
	Files map[string][]byte `json:"files"`

	// Entrypoint is the file the command executes.
	Entrypoint string `json:"entrypoint"`

	// Command is the argv run for each invocation, relative to the work dir.
	Command []string `json:"command"`

	// Digest identifies the user code; equal digests mean a unit does not
	// need reloading.
	Digest string `json:"digest"`
}

// RawResult is the unprocessed output of one Run.
type RawResult struct {
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name               string   `json:"name"`
	Isolation          string   `json:"isolation"`
	SupportedLanguages []string `json:"supported_languages"`
	HardPreemption     bool     `json:"hard_preemption"`
	MaxUnits           int      `json:"max_units"`
}
