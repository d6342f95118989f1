package framer

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

// BuildRequest constructs a raw JSON-RPC request message. Used by the
// mux for messages it originates itself (bridge-initiated pulls)
// rather than forwards from a client.
func BuildRequest(id ID, method string, params json.RawMessage) json.RawMessage {
	raw, _ := sjson.SetBytes(nil, "jsonrpc", "2.0")
	raw, _ = sjson.SetBytes(raw, "method", method)
	if params != nil {
		raw, _ = sjson.SetRawBytes(raw, "params", params)
	}
	raw, _ = setID(raw, id)
	return raw
}

// BuildNotification constructs a raw JSON-RPC notification message.
func BuildNotification(method string, params json.RawMessage) json.RawMessage {
	raw, _ := sjson.SetBytes(nil, "jsonrpc", "2.0")
	raw, _ = sjson.SetBytes(raw, "method", method)
	if params != nil {
		raw, _ = sjson.SetRawBytes(raw, "params", params)
	}
	return raw
}

// BuildResult constructs a raw JSON-RPC success response carrying id.
func BuildResult(id ID, result json.RawMessage) json.RawMessage {
	raw, _ := sjson.SetBytes(nil, "jsonrpc", "2.0")
	if result == nil {
		result = []byte("null")
	}
	raw, _ = sjson.SetRawBytes(raw, "result", result)
	raw, _ = setID(raw, id)
	return raw
}

// BuildError constructs a raw JSON-RPC error response carrying id.
func BuildError(id ID, code int, message string) json.RawMessage {
	raw, _ := sjson.SetBytes(nil, "jsonrpc", "2.0")
	raw, _ = sjson.SetBytes(raw, "error.code", code)
	raw, _ = sjson.SetBytes(raw, "error.message", message)
	raw, _ = setID(raw, id)
	return raw
}

func setID(raw []byte, id ID) ([]byte, error) {
	if id.IsNone() {
		return raw, nil
	}
	v, err := id.MarshalJSON()
	if err != nil {
		return raw, err
	}
	return sjson.SetRawBytes(raw, "id", v)
}
