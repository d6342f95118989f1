package framer

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
)

// ID is the JSON-RPC identifier sum type: it is either an integer, a
// string, or absent (the zero value, IsNone() == true). Per the wire
// format, a present identifier is never a JSON null on requests we
// originate; a null id from a peer is treated as absent.
type ID struct {
	kind   idKind
	intVal int64
	strVal string
}

type idKind int

const (
	idNone idKind = iota
	idInt
	idString
)

// NoID is the absent identifier, used for notifications.
var NoID = ID{kind: idNone}

// IntID builds an integer identifier.
func IntID(v int64) ID { return ID{kind: idInt, intVal: v} }

// StringID builds a string identifier.
func StringID(v string) ID { return ID{kind: idString, strVal: v} }

// IsNone reports whether the identifier is absent.
func (id ID) IsNone() bool { return id.kind == idNone }

// IsInt reports whether the identifier is an integer, returning its value.
func (id ID) IsInt() (int64, bool) {
	if id.kind == idInt {
		return id.intVal, true
	}
	return 0, false
}

// IsString reports whether the identifier is a string, returning its value.
func (id ID) IsString() (string, bool) {
	if id.kind == idString {
		return id.strVal, true
	}
	return "", false
}

// String renders the identifier for logging; it is not the wire form.
func (id ID) String() string {
	switch id.kind {
	case idInt:
		return strconv.FormatInt(id.intVal, 10)
	case idString:
		return id.strVal
	default:
		return "<none>"
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idInt:
		return json.Marshal(id.intVal)
	case idString:
		return json.Marshal(id.strVal)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	*id = idFromRaw(json.RawMessage(data))
	return nil
}

// idFromGJSON converts a gjson.Result at the "id" path into an ID.
func idFromGJSON(r gjson.Result) ID {
	if !r.Exists() {
		return NoID
	}
	switch r.Type {
	case gjson.Number:
		return IntID(r.Int())
	case gjson.String:
		return StringID(r.Str)
	default:
		// null or any other shape: treat as absent.
		return NoID
	}
}

// idFromRaw parses a raw JSON value (as found in an "id" field) into an ID.
func idFromRaw(raw json.RawMessage) ID {
	if len(raw) == 0 {
		return NoID
	}
	return idFromGJSON(gjson.ParseBytes(raw))
}
