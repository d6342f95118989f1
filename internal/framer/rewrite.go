package framer

import "github.com/tidwall/sjson"

// RewriteID returns raw with its "id" field surgically replaced by
// newID, leaving every other byte — key order, whitespace, unrelated
// fields — untouched. This is what lets the mux forward a client
// request under a server-facing identifier (or a server response under
// a client-facing one) without re-serializing a payload it otherwise
// never inspects.
func RewriteID(raw []byte, newID ID) ([]byte, error) {
	switch {
	case newID.IsNone():
		return sjson.DeleteBytes(raw, "id")
	default:
		v, err := idJSONValue(newID)
		if err != nil {
			return nil, err
		}
		return sjson.SetRawBytes(raw, "id", v)
	}
}

func idJSONValue(id ID) ([]byte, error) {
	return id.MarshalJSON()
}
