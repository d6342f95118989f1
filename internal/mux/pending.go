package mux

import "github.com/lspd/lspd/internal/framer"

// clientOrigin is the value stored in the client-origin pending table:
// the client that issued a request and the identifier it used, keyed
// by the positive server-facing id the mux minted for it.
type clientOrigin struct {
	clientID int64
	origID   framer.ID
}

// deferredInit is a client initialize call that arrived while another
// client's initialize was already in flight.
type deferredInit struct {
	clientID int64
	origID   framer.ID
}
