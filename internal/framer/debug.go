package framer

import "github.com/tidwall/pretty"

// DebugString pretty-prints a raw JSON-RPC payload for debug-level log
// lines. Neither the mux nor the daemon calls it; it is not on the
// routing path.
func DebugString(raw []byte) string {
	return string(pretty.Pretty(raw))
}
