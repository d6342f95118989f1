package registry

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TypeScriptGo builds the spec for a TypeScript-for-Go-style server:
// a pull-diagnostics-only server that the daemon bridges to push
// notifications for clients that never asked for pull diagnostics.
func TypeScriptGo() *Spec {
	return &Spec{
		Name:    "typescript-go",
		Aliases: []string{"tsgo", "ts-go"},
		Binary: Binary{
			EnvVar:     "LSPD_TSGO_PATH",
			Candidates: []string{"tsgo", "typescript-go"},
			ExtraProbe: []string{"node_modules/.bin"},
			Install: &InstallHint{
				PackageManager: "npm",
				Command:        "npm install -g @typescript/native-preview",
			},
		},
		Args: []string{"lsp", "--stdio"},
		Diagnostics: Diagnostics{
			Mode:     Bridge,
			Debounce: 150 * time.Millisecond,
		},
		PrepareInitialize: advertisePullDiagnostics,
	}
}

// advertisePullDiagnostics merges params.capabilities.textDocument.diagnostic
// into the first initialize message if the client didn't already
// request pull diagnostics, so the server agrees to serve them even
// when the real client behind the bridge never asked.
func advertisePullDiagnostics(raw json.RawMessage) (json.RawMessage, error) {
	existing := gjson.GetBytes(raw, "params.capabilities.textDocument.diagnostic")
	if existing.Exists() {
		return raw, nil
	}
	return sjson.SetRawBytes(raw, "params.capabilities.textDocument.diagnostic", []byte(`{"dynamicRegistration":false}`))
}

// Lint builds the spec for a passthrough linter-style server: it
// already pushes its own diagnostics, so the bridge is never engaged.
func Lint() *Spec {
	return &Spec{
		Name:    "lint",
		Aliases: []string{"lint-server"},
		Binary: Binary{
			EnvVar:     "LSPD_LINT_PATH",
			Candidates: []string{"lint-server", "lintd"},
		},
		Args: []string{"--stdio"},
		Diagnostics: Diagnostics{
			Mode: Passthrough,
		},
	}
}

// Bundled returns a registry preloaded with the built-in specs.
func Bundled() *Registry {
	r := New()
	_ = r.Register(TypeScriptGo())
	_ = r.Register(Lint())
	return r
}
