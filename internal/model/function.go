package model

import "time"

// Language constants.
const (
	LanguagePython = "python"
	LanguageNode   = "node"
	LanguageWasm   = "wasm"
)

// Backend selector constants.
const (
	BackendProcess     = "process"
	BackendDocker      = "docker"
	BackendFirecracker = "firecracker"
	BackendWasm        = "wasm"
)

// DefaultTimeoutS is the function timeout applied when none is given.
const DefaultTimeoutS = 5

// MaxTimeoutS caps the configurable function timeout.
const MaxTimeoutS = 900

// Function is a registered function definition. The engine receives it by
// value for each invocation and never mutates it.
type Function struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Route     string    `json:"route"`
	Language  string    `json:"language"`
	Code      string    `json:"code"`
	TimeoutS  int       `json:"timeout"`
	Backend   string    `json:"virtualization_backend"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Timeout returns the function timeout as a duration, falling back to
// DefaultTimeoutS for non-positive values.
func (f Function) Timeout() time.Duration {
	if f.TimeoutS <= 0 {
		return DefaultTimeoutS * time.Second
	}
	return time.Duration(f.TimeoutS) * time.Second
}
