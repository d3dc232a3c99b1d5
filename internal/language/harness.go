package language

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seantiz/kiln/internal/backend"
)

// ResultSentinel prefixes the single stdout line carrying a harness result.
const ResultSentinel = "__kiln_result__ "

// maxErrorTail bounds how much stderr is quoted in crash messages.
const maxErrorTail = 2048

// resultDoc is the JSON document the harnesses emit after the sentinel.
type resultDoc struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Trace  string          `json:"trace,omitempty"`
}

// EncodeResult renders a successful harness result line. Tests and backends
// that emulate a harness use it.
func EncodeResult(v any) ([]byte, error) {
	data, err := json.Marshal(resultDoc{OK: true, Result: mustRaw(v)})
	if err != nil {
		return nil, err
	}
	return append([]byte("\n"+ResultSentinel), append(data, '\n')...), nil
}

// EncodeError renders a harness line for an error raised by user code.
func EncodeError(message string) []byte {
	data, _ := json.Marshal(resultDoc{OK: false, Error: message})
	return append([]byte("\n"+ResultSentinel), append(data, '\n')...)
}

func mustRaw(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// decodeHarness parses output produced by a sentinel-emitting harness. The
// last result line wins, since the harness writes its line after user code
// returns. A success line only counts when the process exited zero.
func decodeHarness(raw backend.RawResult) (Output, error) {
	var (
		logs    []string
		resLine string
		found   bool
	)
	for _, line := range strings.Split(string(raw.Stdout), "\n") {
		if rest, ok := strings.CutPrefix(line, ResultSentinel); ok {
			if found {
				logs = append(logs, ResultSentinel+resLine)
			}
			resLine, found = rest, true
			continue
		}
		if line != "" {
			logs = append(logs, line)
		}
	}
	out := Output{Logs: logs}

	if !found {
		if raw.ExitCode != 0 {
			return out, &ExecutionError{
				Message: fmt.Sprintf("exit code %d: %s", raw.ExitCode, tail(raw.Stderr)),
				Crashed: true,
			}
		}
		return out, &ExecutionError{Message: "runtime produced no result", Crashed: true}
	}

	var doc resultDoc
	if err := json.Unmarshal([]byte(resLine), &doc); err != nil {
		return out, &ExecutionError{Message: fmt.Sprintf("malformed result line: %v", err), Crashed: true}
	}
	if doc.OK && raw.ExitCode != 0 {
		// The harness exits cleanly after reporting success, so a success
		// line followed by a non-zero exit was printed by code that then
		// died.
		return out, &ExecutionError{
			Message: fmt.Sprintf("exit code %d after result: %s", raw.ExitCode, tail(raw.Stderr)),
			Crashed: true,
		}
	}
	if !doc.OK {
		msg := doc.Error
		if msg == "" {
			msg = "function raised an error"
		}
		return out, &ExecutionError{Message: msg}
	}
	if len(doc.Result) == 0 {
		out.Result = json.RawMessage("null")
	} else {
		out.Result = doc.Result
	}
	return out, nil
}

// tail returns the last maxErrorTail bytes of b, trimmed.
func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxErrorTail {
		b = b[len(b)-maxErrorTail:]
	}
	if len(b) == 0 {
		return "no output"
	}
	return string(b)
}
