// Package protocol defines the line-delimited JSON messages exchanged with
// the proxy: one request object in, exactly one response object out.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	// DefaultType is the voice used when a request omits "type".
	DefaultType = "f1"
	// DefaultSpeed is the speed used when a request omits "speed".
	DefaultSpeed = 100
)

// requestFields lists the accepted request keys in wire order.
var requestFields = []string{"type", "speed", "koe"}

// Request asks for one synthesis of Koe with the voice Type.
type Request struct {
	Type  string `json:"type"`
	Speed int    `json:"speed"`
	Koe   string `json:"koe"`
}

// SchemaError reports a decoded JSON value that is not a valid Request.
// The stream position is still known when it occurs.
type SchemaError struct {
	Msg string
}

func (e *SchemaError) Error() string { return e.Msg }

// DecodeRequest validates one raw JSON value against the request schema.
// Defaults are applied first, so a value carrying only "koe" is valid.
func DecodeRequest(raw json.RawMessage) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Request{}, &SchemaError{
			Msg: fmt.Sprintf("invalid type: %s, expected a request object", kindOf(raw)),
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !isRequestField(k) {
			return Request{}, &SchemaError{
				Msg: fmt.Sprintf("unknown field %q, expected one of %s", k, quotedFields()),
			}
		}
	}

	req := Request{Type: DefaultType, Speed: DefaultSpeed}

	if v, ok := fields["type"]; ok {
		if err := decodeField(v, &req.Type); err != nil {
			return Request{}, fieldError("type", v, "a string")
		}
	}

	if v, ok := fields["speed"]; ok {
		var speed int64
		if err := decodeField(v, &speed); err != nil {
			return Request{}, fieldError("speed", v, "a 32-bit integer")
		}
		if speed < math.MinInt32 || speed > math.MaxInt32 {
			return Request{}, &SchemaError{
				Msg: fmt.Sprintf("invalid value for field \"speed\": %d, expected a 32-bit integer", speed),
			}
		}
		req.Speed = int(speed)
	}

	v, ok := fields["koe"]
	if !ok {
		return Request{}, &SchemaError{Msg: `missing field "koe"`}
	}
	if err := decodeField(v, &req.Koe); err != nil {
		return Request{}, fieldError("koe", v, "a string")
	}

	return req, nil
}

func decodeField(v json.RawMessage, dst any) error {
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return fmt.Errorf("null value")
	}
	return json.Unmarshal(v, dst)
}

func fieldError(name string, v json.RawMessage, want string) error {
	return &SchemaError{
		Msg: fmt.Sprintf("invalid type for field %q: %s, expected %s", name, kindOf(v), want),
	}
}

func isRequestField(k string) bool {
	for _, f := range requestFields {
		if f == k {
			return true
		}
	}
	return false
}

func quotedFields() string {
	quoted := make([]string, len(requestFields))
	for i, f := range requestFields {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	return strings.Join(quoted, ", ")
}

// kindOf names the JSON kind of raw for error messages.
func kindOf(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "empty value"
	}
	switch trimmed[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		if bytes.ContainsAny(trimmed, ".eE") {
			return "floating point " + string(trimmed)
		}
		return "integer " + string(trimmed)
	}
}
