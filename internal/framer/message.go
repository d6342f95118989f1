// Package framer encodes and decodes length-prefixed JSON-RPC messages
// from a byte stream, and classifies them into the three shapes the
// mux core cares about: request, response, notification.
//
// Messages are kept as raw JSON (github.com/tidwall/gjson for reads,
// github.com/tidwall/sjson for the one field the core ever rewrites —
// the identifier) so that fields the core does not inspect pass through
// byte-for-byte, preserving key order and whitespace a client or server
// did not ask to have touched.
package framer

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind identifies which of the three JSON-RPC message shapes a Message is.
type Kind int

const (
	// KindRequest has both a method and an identifier.
	KindRequest Kind = iota
	// KindResponse has an identifier and a result or error, no method.
	KindResponse
	// KindNotification has a method but no identifier.
	KindNotification
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is an opaque JSON-RPC envelope. Raw preserves the exact
// original payload; the other fields are narrow views extracted from it.
type Message struct {
	Raw    json.RawMessage
	Kind   Kind
	Method string // set for Request and Notification
	ID     ID     // set for Request and Response
}

// ErrUnrecognizedShape is returned by Parse when a payload has neither
// a method nor a combination of id+result/error that the core can
// classify.
var ErrUnrecognizedShape = fmt.Errorf("message matches none of request, response, notification")

// Parse classifies a raw JSON-RPC payload into a Message.
func Parse(raw json.RawMessage) (*Message, error) {
	idResult := gjson.GetBytes(raw, "id")
	methodResult := gjson.GetBytes(raw, "method")
	hasResult := gjson.GetBytes(raw, "result").Exists()
	hasError := gjson.GetBytes(raw, "error").Exists()

	id := idFromGJSON(idResult)
	hasID := idResult.Exists() && idResult.Type != gjson.Null

	switch {
	case hasID && (hasResult || hasError) && !methodResult.Exists():
		return &Message{Raw: raw, Kind: KindResponse, ID: id}, nil
	case methodResult.Exists() && hasID:
		return &Message{Raw: raw, Kind: KindRequest, Method: methodResult.String(), ID: id}, nil
	case methodResult.Exists() && !hasID:
		return &Message{Raw: raw, Kind: KindNotification, Method: methodResult.String()}, nil
	default:
		return nil, ErrUnrecognizedShape
	}
}

// Path extracts a field from the raw payload using gjson dotted-path
// syntax, e.g. "params.textDocument.uri" or "result.kind". It never
// panics; a missing path yields a gjson.Result with Exists() == false.
func (m *Message) Path(path string) gjson.Result {
	return gjson.GetBytes(m.Raw, path)
}

// HasResultField reports whether the payload carries a "result" field;
// a JSON null result counts as present.
func (m *Message) HasResultField() bool {
	return m.Path("result").Exists()
}

// HasErrorField reports whether the payload carries an "error".
func (m *Message) HasErrorField() bool {
	return m.Path("error").Exists()
}
