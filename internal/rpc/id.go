// Package rpc implements the JSON-RPC 2.0 wire envelope: request and
// response types, the bounded writer used to enforce response-size limits,
// and the tolerant codec that classifies an inbound frame as a single
// request, a single notification, or a batch of either.
package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies a request so a response can be correlated back to it. It is
// one of null, a JSON number, or a JSON string. The zero value is the number
// 0; NullID is the null identifier.
type ID struct {
	num    int64
	str    string
	isStr  bool
	isNull bool
}

// NullID is the canonical null identifier used for parse errors and invalid
// requests whose original id could not be recovered.
var NullID = ID{isNull: true}

// NewNumberID builds a numeric ID.
func NewNumberID(n int64) ID { return ID{num: n} }

// NewStringID builds a string ID.
func NewStringID(s string) ID { return ID{str: s, isStr: true} }

// IsNull reports whether this is the null identifier.
func (id ID) IsNull() bool { return id.isNull }

// String renders the ID for logging and for use as a map key.
func (id ID) String() string {
	switch {
	case id.isNull:
		return "null"
	case id.isStr:
		return id.str
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.isNull:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return json.Marshal(id.num)
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := string(data)
	if trimmed == "null" || trimmed == "" {
		*id = ID{isNull: true}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		*id = ID{str: s, isStr: true}
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	*id = ID{num: n}
	return nil
}

// Equal reports whether two IDs refer to the same request.
func (id ID) Equal(other ID) bool {
	return id.isNull == other.isNull && id.isStr == other.isStr && id.num == other.num && id.str == other.str
}
