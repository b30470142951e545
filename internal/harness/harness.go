// Package harness produces the executable source fed to each interpreter.
//
// Every harness prepends a preamble declaring the run constants and four
// helper functions (AutomnReturn, AutomnLog, AutomnNotify, AutomnRunLog)
// that are observably equivalent across languages, then appends the user's
// code verbatim. The helpers emit the marker lines parsed by the markers
// package.
package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/automn-run/automn/internal/domain"
)

// jsonDepthBound caps recursive JSON encoding inside the helpers so cyclic
// or pathological values cannot wedge a script.
const jsonDepthBound = 32

// Environment variable names carrying the request body into the child.
// AUTOMN_INTERNAL_INPUT_JSON is canonical; the other two are aliases kept
// for older user scripts.
const (
	EnvInputJSON      = "AUTOMN_INTERNAL_INPUT_JSON"
	EnvInputJSONAlias = "AUTOMN_INPUT_JSON"
	EnvInputJSONShort = "INPUT_JSON"
	EnvRunID          = "AUTOMN_RUN_ID"
)

// Build returns the full harnessed source for the given language.
func Build(lang domain.Language, runID, userCode string) (string, error) {
	var tmpl string
	switch lang {
	case domain.LanguageNode:
		tmpl = nodePreamble
	case domain.LanguagePython:
		tmpl = pythonPreamble
	case domain.LanguagePowershell:
		tmpl = powershellPreamble
	case domain.LanguageShell:
		tmpl = shellPreamble
	default:
		return "", fmt.Errorf("unsupported language %q", lang)
	}

	quoted, err := json.Marshal(runID)
	if err != nil {
		return "", fmt.Errorf("encode run id: %w", err)
	}

	src := strings.ReplaceAll(tmpl, "{{RUN_ID_JSON}}", string(quoted))
	src = strings.ReplaceAll(src, "{{RUN_ID}}", runID)
	return src + "\n" + userCode + "\n", nil
}

// esModuleRe matches top-level import/export statements, the signal that a
// node script must run as an ES module.
var esModuleRe = regexp.MustCompile(`(?m)^\s*(import\s|export\s|export\{|import\{)`)

// Extension picks the source file extension for a language. Node scripts
// using import/export syntax get .mjs, the rest .cjs.
func Extension(lang domain.Language, code string) string {
	switch lang {
	case domain.LanguageNode:
		if esModuleRe.MatchString(code) {
			return "mjs"
		}
		return "cjs"
	case domain.LanguagePython:
		return "py"
	case domain.LanguagePowershell:
		return "ps1"
	case domain.LanguageShell:
		return "sh"
	}
	return "txt"
}
