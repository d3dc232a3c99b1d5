package language

import (
	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

// Node file names inside a unit's work directory.
const (
	NodeHarnessFile = "main.js"
	NodeHandlerFile = "handler.js"
)

const nodeHarness = `"use strict";
const fs = require("fs");
const path = require("path");

const SENTINEL = "__kiln_result__ ";

function emit(doc) {
  process.stdout.write("\n" + SENTINEL + JSON.stringify(doc) + "\n");
}

let raw = "";
try {
  raw = fs.readFileSync(0, "utf8");
} catch (err) {
  raw = "";
}

(async () => {
  try {
    const payload = raw.trim() ? JSON.parse(raw) : {};
    const mod = require(path.join(__dirname, "handler.js"));
    const fn = typeof mod === "function" ? mod : (mod.handler || mod.main);
    if (typeof fn !== "function") {
      throw new Error("handler is not defined");
    }
    const result = await fn(payload);
    emit({ ok: true, result: result === undefined ? null : result });
  } catch (err) {
    const message = err && err.message ? String(err.message) : String(err);
    emit({ ok: false, error: message, trace: err && err.stack ? String(err.stack) : "" });
  }
})();
`

// nodeExportShim exposes a top-level handler declared without module.exports.
const nodeExportShim = `
;if (typeof handler === "function" && typeof module.exports !== "function" && !module.exports.handler) {
  module.exports.handler = handler;
}
`

// Node runs code with node. User code defines handler(event), sync or async.
type Node struct{}

func (Node) Name() string { return model.LanguageNode }

func (Node) Prepare(code string) (backend.LoadSpec, error) {
	return backend.LoadSpec{
		Language: model.LanguageNode,
		Files: map[string][]byte{
			NodeHarnessFile: []byte(nodeHarness),
			NodeHandlerFile: []byte(code + nodeExportShim),
		},
		Entrypoint: NodeHarnessFile,
		Command:    []string{"node", NodeHarnessFile},
		Digest:     Digest(model.LanguageNode, code),
	}, nil
}

func (Node) Decode(raw backend.RawResult) (Output, error) {
	return decodeHarness(raw)
}
