package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Payload is the tagged body of a Response. It is one of Wav,
// AquestalkError, JSONError or IOError.
type Payload interface {
	// Type returns the value of the "type" tag on the wire.
	Type() string
	isPayload()
}

// Wav carries synthesized audio. It is base64 encoded on the wire.
type Wav struct {
	Data []byte
}

// AquestalkError reports a synthesis fault. Code is nil when the fault did
// not come from the engine itself, e.g. an unknown voice.
type AquestalkError struct {
	Code    *int
	Message string
}

// JSONError reports input that does not parse as, or does not satisfy,
// the request schema.
type JSONError struct {
	Message string
}

// IOError reports a transport fault: budget exhausted, timeout, or a
// failing read.
type IOError struct {
	Message string
}

func (Wav) Type() string            { return "Wav" }
func (AquestalkError) Type() string { return "AquestalkError" }
func (JSONError) Type() string      { return "JsonError" }
func (IOError) Type() string        { return "IoError" }

func (Wav) isPayload()            {}
func (AquestalkError) isPayload() {}
func (JSONError) isPayload()      {}
func (IOError) isPayload()        {}

type wavWire struct {
	Type string `json:"type"`
	Wav  string `json:"wav"`
}

type aquestalkErrorWire struct {
	Type    string `json:"type"`
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message"`
}

type messageWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (w Wav) MarshalJSON() ([]byte, error) {
	return marshal(wavWire{Type: w.Type(), Wav: base64.StdEncoding.EncodeToString(w.Data)})
}

func (e AquestalkError) MarshalJSON() ([]byte, error) {
	return marshal(aquestalkErrorWire{Type: e.Type(), Code: e.Code, Message: e.Message})
}

func (e JSONError) MarshalJSON() ([]byte, error) {
	return marshal(messageWire{Type: e.Type(), Message: e.Message})
}

func (e IOError) MarshalJSON() ([]byte, error) {
	return marshal(messageWire{Type: e.Type(), Message: e.Message})
}

// UnmarshalPayload decodes a tagged payload object. Unknown tags and unknown
// fields are rejected.
func UnmarshalPayload(data []byte) (Payload, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode payload tag: %w", err)
	}

	switch tag.Type {
	case "Wav":
		var w wavWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		audio, err := base64.StdEncoding.DecodeString(w.Wav)
		if err != nil {
			return nil, fmt.Errorf("decode wav: %w", err)
		}
		return Wav{Data: audio}, nil
	case "AquestalkError":
		var w aquestalkErrorWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		return AquestalkError{Code: w.Code, Message: w.Message}, nil
	case "JsonError":
		var w messageWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		return JSONError{Message: w.Message}, nil
	case "IoError":
		var w messageWire
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		return IOError{Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", tag.Type)
	}
}

// Message returns the human readable text of a fault payload, or "" for Wav.
func Message(p Payload) string {
	switch v := p.(type) {
	case AquestalkError:
		return v.Message
	case JSONError:
		return v.Message
	case IOError:
		return v.Message
	default:
		return ""
	}
}

// Status decides the two continuation flags of a Response.
type Status int

const (
	// Success: isSuccess=true, the session continues.
	Success Status = iota
	// Recoverable: isSuccess=false, the session continues.
	Recoverable
	// Fatal: isSuccess=false, willClose=true, nothing follows.
	Fatal
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Response is one reply line. Request echoes the raw value the reply answers
// and is empty when no value could be decoded.
type Response struct {
	IsSuccess bool
	WillClose bool
	Payload   Payload
	Request   json.RawMessage
}

// NewResponse derives the continuation flags from status.
func NewResponse(status Status, payload Payload, request json.RawMessage) Response {
	return Response{
		IsSuccess: status == Success,
		WillClose: status == Fatal,
		Payload:   payload,
		Request:   request,
	}
}

// Status reports the status the flags encode.
func (r Response) Status() Status {
	switch {
	case r.WillClose:
		return Fatal
	case r.IsSuccess:
		return Success
	default:
		return Recoverable
	}
}

type responseWire struct {
	IsSuccess bool            `json:"isSuccess"`
	WillClose *bool           `json:"willClose,omitempty"`
	Response  json.RawMessage `json:"response"`
	Request   json.RawMessage `json:"request,omitempty"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, errors.New("response has no payload")
	}
	payload, err := marshal(r.Payload)
	if err != nil {
		return nil, err
	}

	w := responseWire{
		IsSuccess: r.IsSuccess,
		Response:  payload,
		Request:   r.Request,
	}
	if r.WillClose {
		willClose := true
		w.WillClose = &willClose
	}
	return marshal(w)
}

// marshal is json.Marshal without HTML escaping; koe text carries tags
// such as <NUMK VAL=12>.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := decodeStrict(data, &w); err != nil {
		return err
	}
	if len(w.Response) == 0 {
		return errors.New(`missing field "response"`)
	}
	payload, err := UnmarshalPayload(w.Response)
	if err != nil {
		return err
	}

	*r = Response{
		IsSuccess: w.IsSuccess,
		WillClose: w.WillClose != nil && *w.WillClose,
		Payload:   payload,
	}
	if len(w.Request) > 0 && !bytes.Equal(w.Request, []byte("null")) {
		r.Request = append(json.RawMessage(nil), w.Request...)
	}
	return nil
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// Encoder writes one compact response object per line.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// Encode writes r followed by a newline.
func (e *Encoder) Encode(r Response) error {
	return e.enc.Encode(r)
}
