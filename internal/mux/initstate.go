package mux

import "github.com/lspd/lspd/internal/framer"

type initPhase int

const (
	initNotStarted initPhase = iota
	initInProgress
	initDone
)

// initState is the three-state initialize-caching machine from spec
// §3/§4.3. Mutations happen only from inside the mux's dispatch
// region, so it needs no locking of its own.
type initState struct {
	phase initPhase

	// initiator/initiatorOrigID identify the client whose initialize
	// was forwarded to the server (set while in-progress, read again
	// when the response arrives).
	initiator       int64
	initiatorOrigID framer.ID

	// pendingServerID is the server-facing id the mux minted for the
	// forwarded initialize request.
	pendingServerID int64

	// cachedRaw holds the server's initialize response (result or
	// error) verbatim, replayed to every later initializer.
	cachedRaw []byte

	// deferred accumulates initializers that arrived while in-progress.
	deferred []deferredInit
}
