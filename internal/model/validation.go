package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrConfiguration is matched by every ValidationError.
var ErrConfiguration = errors.New("configuration error")

// ValidationError reports a function definition that can never execute,
// such as an unsupported language or backend selector.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) hold for validation errors.
func (e *ValidationError) Is(target error) bool {
	return target == ErrConfiguration
}

// routePattern restricts routes to URL-safe path segments.
var routePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9._-]+)*$`)

// Compatibility reports whether a backend can host a language. It returns a
// descriptive error when it cannot.
type Compatibility interface {
	Supports(backend, language string) error
}

// Validate checks the static fields of a function definition and, when
// compat is non-nil, that its backend can run its language. It also fills in
// the default timeout.
func (f *Function) Validate(compat Compatibility) error {
	if strings.TrimSpace(f.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	f.Route = strings.Trim(f.Route, "/")
	if !routePattern.MatchString(f.Route) {
		return &ValidationError{Field: "route", Reason: fmt.Sprintf("%q is not a valid route", f.Route)}
	}
	if f.Code == "" {
		return &ValidationError{Field: "code", Reason: "is required"}
	}
	if f.TimeoutS == 0 {
		f.TimeoutS = DefaultTimeoutS
	}
	if f.TimeoutS < 0 || f.TimeoutS > MaxTimeoutS {
		return &ValidationError{Field: "timeout", Reason: fmt.Sprintf("must be between 1 and %d seconds", MaxTimeoutS)}
	}
	if !knownLanguages[f.Language] {
		return &ValidationError{Field: "language", Reason: fmt.Sprintf("unsupported language %q", f.Language)}
	}
	if !knownBackends[f.Backend] {
		return &ValidationError{Field: "virtualization_backend", Reason: fmt.Sprintf("unsupported backend %q", f.Backend)}
	}
	if compat != nil {
		if err := compat.Supports(f.Backend, f.Language); err != nil {
			if errors.Is(err, ErrConfiguration) {
				return err
			}
			return &ValidationError{Field: "virtualization_backend", Reason: err.Error()}
		}
	}
	return nil
}

var knownLanguages = map[string]bool{
	LanguagePython: true,
	LanguageNode:   true,
	LanguageWasm:   true,
}

var knownBackends = map[string]bool{
	BackendProcess:     true,
	BackendDocker:      true,
	BackendFirecracker: true,
	BackendWasm:        true,
}
