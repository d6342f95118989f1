package mux

import (
	"io"
	"sync/atomic"
)

// Conn is the duplex byte stream the mux reads client JSON-RPC traffic
// from and writes responses/notifications to. Typically one end of an
// accepted Unix socket connection.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// client is one accepted connection's mux-side state.
type client struct {
	id          int64
	conn        Conn
	writer      *writer
	pullCapable atomic.Bool
}
