// Package runscript renders the Python entry points that run inside a sandbox
// session. Every function here is pure: identical arguments always produce
// byte-identical output.
package runscript

import (
	"strings"
)

// DataDir is the directory the session service mounts uploaded files into.
const DataDir = "/mnt/data"

// EntryPoint is the function every workflow module must expose.
const EntryPoint = "run"

// Generate returns the runner script that loads workflowFile as a module, feeds
// it the JSON payload from inputFile and writes the JSON result of run(payload)
// to outputFile. A non-blank preamble is emitted verbatim before any other logic.
func Generate(workflowFile, inputFile, outputFile, preamble string) string {
	var b strings.Builder

	b.WriteString("import json\n")
	b.WriteString("import importlib.util\n")
	b.WriteString("from pathlib import Path\n")
	b.WriteString("\n")

	if strings.TrimSpace(preamble) != "" {
		b.WriteString(preamble)
		if !strings.HasSuffix(preamble, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("DATA_DIR = Path(" + quote(DataDir) + ")\n")
	b.WriteString("WORKFLOW_PATH = DATA_DIR / " + quote(workflowFile) + "\n")
	b.WriteString("INPUT_PATH = DATA_DIR / " + quote(inputFile) + "\n")
	b.WriteString("OUTPUT_PATH = DATA_DIR / " + quote(outputFile) + "\n")
	b.WriteString("\n")

	// Load
	b.WriteString("spec = importlib.util.spec_from_file_location('workflow', WORKFLOW_PATH)\n")
	b.WriteString("if spec is None or spec.loader is None:\n")
	b.WriteString("    raise ImportError('Unable to load workflow module from ' + str(WORKFLOW_PATH))\n")
	b.WriteString("module = importlib.util.module_from_spec(spec)\n")
	b.WriteString("spec.loader.exec_module(module)\n")
	b.WriteString("\n")

	b.WriteString("with INPUT_PATH.open() as f:\n")
	b.WriteString("    payload = json.load(f)\n")
	b.WriteString("\n")

	// Contract: a callable run(payload)
	b.WriteString("entry = getattr(module, " + quote(EntryPoint) + ", None)\n")
	b.WriteString("if not callable(entry):\n")
	b.WriteString("    raise AttributeError('workflow module must expose a " + EntryPoint + "(payload) function')\n")
	b.WriteString("result = entry(payload)\n")
	b.WriteString("\n")

	b.WriteString("with OUTPUT_PATH.open('w') as f:\n")
	b.WriteString("    json.dump(result, f)\n")
	b.WriteString("\n")

	b.WriteString("print('Workflow execution completed. Results written to ' + " + quote(outputFile) + ")\n")

	return b.String()
}

// Launcher wraps a shell command line in inline Python so it can be submitted
// to a session service that only executes Python code. The snippet runs the
// command from DataDir, relays its output and exits with its return code.
func Launcher(command string) string {
	var b strings.Builder
	b.WriteString("import subprocess\n")
	b.WriteString("import sys\n")
	b.WriteString("\n")
	b.WriteString("completed = subprocess.run(" + quote(command) + ", shell=True, cwd=" + quote(DataDir) + ", capture_output=True, text=True)\n")
	b.WriteString("sys.stdout.write(completed.stdout)\n")
	b.WriteString("sys.stderr.write(completed.stderr)\n")
	b.WriteString("if completed.returncode != 0:\n")
	b.WriteString("    raise SystemExit(completed.returncode)\n")
	return b.String()
}

// quote renders s as a single-quoted Python string literal.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
