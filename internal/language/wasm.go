package language

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

// WasmModuleFile is the file name of the compiled module in a LoadSpec.
const WasmModuleFile = "module.wasm"

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Wasm runs a base64-encoded WASI command module. The module reads the
// payload on stdin and writes its JSON result to stdout; stderr is logs.
type Wasm struct{}

func (Wasm) Name() string { return model.LanguageWasm }

func (Wasm) Prepare(code string) (backend.LoadSpec, error) {
	cleaned := strings.Join(strings.Fields(code), "")
	module, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return backend.LoadSpec{}, &model.ValidationError{Field: "code", Reason: fmt.Sprintf("wasm code must be base64: %v", err)}
	}
	if !bytes.HasPrefix(module, wasmMagic) {
		return backend.LoadSpec{}, &model.ValidationError{Field: "code", Reason: "wasm code is not a WebAssembly module"}
	}
	return backend.LoadSpec{
		Language:   model.LanguageWasm,
		Files:      map[string][]byte{WasmModuleFile: module},
		Entrypoint: WasmModuleFile,
		Digest:     Digest(model.LanguageWasm, cleaned),
	}, nil
}

func (Wasm) Decode(raw backend.RawResult) (Output, error) {
	var out Output
	for _, line := range strings.Split(string(raw.Stderr), "\n") {
		if line != "" {
			out.Logs = append(out.Logs, line)
		}
	}
	if raw.ExitCode != 0 {
		return out, &ExecutionError{Message: fmt.Sprintf("module exited with code %d: %s", raw.ExitCode, tail(raw.Stderr))}
	}

	body := bytes.TrimSpace(raw.Stdout)
	switch {
	case len(body) == 0:
		out.Result = json.RawMessage("null")
	case json.Valid(body):
		out.Result = json.RawMessage(body)
	default:
		quoted, _ := json.Marshal(string(body))
		out.Result = quoted
	}
	return out, nil
}
