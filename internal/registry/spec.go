// Package registry holds the static mapping from a server identifier
// to the behavior descriptor the mux and CLI need to run it: how to
// find and invoke its binary, how it does diagnostics, and any pure
// transform applied to its initialize handshake.
package registry

import (
	"encoding/json"
	"time"
)

// DiagnosticsMode selects how the mux handles diagnostics for a server.
type DiagnosticsMode int

const (
	// Passthrough forwards the server's own publishDiagnostics
	// notifications unchanged.
	Passthrough DiagnosticsMode = iota
	// Bridge synthesizes push diagnostics for non-pull clients by
	// polling textDocument/diagnostic on file events.
	Bridge
)

// String returns a human-readable mode name.
func (m DiagnosticsMode) String() string {
	switch m {
	case Passthrough:
		return "passthrough"
	case Bridge:
		return "pull-to-push bridge"
	default:
		return "unknown"
	}
}

// InstallHint describes how a user could install a missing server
// binary. Purely cosmetic: surfaced in CLI error messages, never
// consulted by the core.
type InstallHint struct {
	PackageManager string
	Command        string
}

// Binary describes how to locate and invoke a server's executable.
type Binary struct {
	// EnvVar, if set, is checked first and overrides all other
	// resolution (e.g. "LSPD_GOPLS_PATH").
	EnvVar string

	// Candidates are executable names tried via PATH lookup, in order.
	Candidates []string

	// ExtraProbe are additional directories (relative to the project
	// root) to search for a candidate before giving up, e.g.
	// "node_modules/.bin".
	ExtraProbe []string

	// Install, if non-nil, is surfaced when no candidate is found.
	Install *InstallHint
}

// RequestBuilder constructs the method and params of a bridge-initiated
// pull request for a given document URI. The default builds a
// textDocument/diagnostic request with null identifier and
// previousResultId.
type RequestBuilder func(uri string) (method string, params json.RawMessage)

// Diagnostics configures how a server's diagnostics are surfaced.
type Diagnostics struct {
	Mode DiagnosticsMode

	// Debounce is how long the bridge coalesces file events for a URI
	// into a single pull request. Ignored when Mode is Passthrough.
	// Zero means the bridge's built-in default (150ms) applies.
	Debounce time.Duration

	// RequestBuilder overrides the default pull-request shape. Nil
	// means the bridge's default builder applies.
	RequestBuilder RequestBuilder
}

// Hook is a pure transform applied to a message before it is forwarded
// to the server. Currently the only hook point is PrepareInitialize,
// applied once to the first initialize message.
type Hook func(raw json.RawMessage) (json.RawMessage, error)

// Spec is the immutable behavior descriptor for one language server.
type Spec struct {
	// Name is the canonical identifier, e.g. "typescript-go".
	Name string
	// Aliases are additional names that resolve to this spec.
	Aliases []string

	Binary Binary
	// Args is appended to the resolved binary when invoking it in
	// stdio LSP mode.
	Args []string

	Diagnostics Diagnostics

	// PrepareInitialize, if non-nil, transforms the first initialize
	// message before it is forwarded to the server.
	PrepareInitialize Hook
}

// AllNames returns the canonical name followed by all aliases.
func (s *Spec) AllNames() []string {
	names := make([]string, 0, 1+len(s.Aliases))
	names = append(names, s.Name)
	names = append(names, s.Aliases...)
	return names
}
