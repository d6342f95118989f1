package mux

import "fmt"

// ErrRewriteFailed wraps a framer.RewriteID failure encountered while
// forwarding a message. The mux logs and drops the message rather than
// propagating this — a malformed downstream payload must not take the
// whole relay down.
type ErrRewriteFailed struct {
	Context string
	Err     error
}

func (e *ErrRewriteFailed) Error() string {
	return fmt.Sprintf("mux: rewrite id failed (%s): %v", e.Context, e.Err)
}

func (e *ErrRewriteFailed) Unwrap() error { return e.Err }

// noClientsConnectedCode is the JSON-RPC error code returned to the
// server for a server-initiated request when no primary client exists.
const noClientsConnectedCode = -32601

const noClientsConnectedMessage = "No clients connected"
