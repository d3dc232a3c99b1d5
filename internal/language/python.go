package language

import (
	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

// Python file names inside a unit's work directory.
const (
	PythonHarnessFile = "main.py"
	PythonHandlerFile = "handler.py"
)

// pythonHarness loads handler.py and calls handler(payload), or main(payload)
// when no handler is defined.
const pythonHarness = `import importlib.util
import json
import os
import sys
import traceback

SENTINEL = "__kiln_result__ "


def emit(doc):
    line = json.dumps(doc)
    sys.stdout.flush()
    sys.stdout.write("\n" + SENTINEL + line + "\n")
    sys.stdout.flush()


def main():
    raw = sys.stdin.read()
    try:
        payload = json.loads(raw) if raw.strip() else {}
        here = os.path.dirname(os.path.abspath(__file__))
        spec = importlib.util.spec_from_file_location("handler", os.path.join(here, "handler.py"))
        module = importlib.util.module_from_spec(spec)
        spec.loader.exec_module(module)
        fn = getattr(module, "handler", None) or getattr(module, "main", None)
        if not callable(fn):
            raise NameError("handler is not defined")
        emit({"ok": True, "result": fn(payload)})
    except BaseException as exc:
        emit({"ok": False, "error": "%s: %s" % (type(exc).__name__, exc), "trace": traceback.format_exc()})


main()
`

// Python runs code with python3. User code defines handler(event).
type Python struct{}

func (Python) Name() string { return model.LanguagePython }

func (Python) Prepare(code string) (backend.LoadSpec, error) {
	return backend.LoadSpec{
		Language: model.LanguagePython,
		Files: map[string][]byte{
			PythonHarnessFile: []byte(pythonHarness),
			PythonHandlerFile: []byte(code),
		},
		Entrypoint: PythonHarnessFile,
		Command:    []string{"python3", "-u", PythonHarnessFile},
		Digest:     Digest(model.LanguagePython, code),
	}, nil
}

func (Python) Decode(raw backend.RawResult) (Output, error) {
	return decodeHarness(raw)
}
