package language

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

// Runtime adapts one language to the engine's invoke contract.
type Runtime interface {
	// Name is the language selector.
	Name() string

	// Prepare wraps code in the language harness and returns the files and
	// command a backend loads into a unit.
	Prepare(code string) (backend.LoadSpec, error)

	// Decode turns the raw output of one run into a result, or an
	// *ExecutionError when the code raised or the runtime crashed.
	Decode(raw backend.RawResult) (Output, error)
}

// Output is a decoded run. Logs is populated even when Decode fails.
type Output struct {
	Result json.RawMessage
	Logs   []string
}

// ExecutionError is a failure of the user's code. Crashed distinguishes a
// runtime-internal crash from an error raised by the code itself.
type ExecutionError struct {
	Message string
	Crashed bool
}

func (e *ExecutionError) Error() string {
	if e.Crashed {
		return "runtime crashed: " + e.Message
	}
	return e.Message
}

// IsExecutionError reports whether err is an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

var runtimes = map[string]Runtime{
	model.LanguagePython: Python{},
	model.LanguageNode:   Node{},
	model.LanguageWasm:   Wasm{},
}

// Lookup returns the runtime adapter for a language.
func Lookup(name string) (Runtime, error) {
	rt, ok := runtimes[name]
	if !ok {
		return nil, &model.ValidationError{Field: "language", Reason: fmt.Sprintf("unsupported language %q", name)}
	}
	return rt, nil
}

// Names lists the supported languages in sorted order.
func Names() []string {
	names := make([]string, 0, len(runtimes))
	for name := range runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Digest identifies a language and code body.
func Digest(language, code string) string {
	h := sha256.New()
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}

// RunFunc executes loaded code once with a payload.
type RunFunc func(ctx context.Context, payload []byte) (backend.RawResult, error)

// Invoke runs the code through run and decodes the output with rt. A panic
// anywhere below this boundary is reported as a crashed ExecutionError.
func Invoke(ctx context.Context, rt Runtime, run RunFunc, payload []byte) (out Output, raw backend.RawResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Output{}
			err = &ExecutionError{Message: fmt.Sprintf("panic in %s runtime: %v", rt.Name(), r), Crashed: true}
		}
	}()

	raw, err = run(ctx, payload)
	if err != nil {
		return Output{}, raw, err
	}
	out, err = rt.Decode(raw)
	return out, raw, err
}
