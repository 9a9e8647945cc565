package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrBudgetExceeded is returned by Decoder.Next when the stream ended
// because the byte budget was spent in the middle of a value.
var ErrBudgetExceeded = errors.New("request exceeds byte budget")

// errInvalidUTF8 marks a value that parsed but is not valid UTF-8 text.
var errInvalidUTF8 = errors.New("invalid unicode code point")

// SyntaxFault reports input that cannot be parsed as JSON. The stream
// position is lost, so no further values can be read.
type SyntaxFault struct {
	Offset int64
	Err    error
}

func (e *SyntaxFault) Error() string {
	switch {
	case errors.Is(e.Err, io.ErrUnexpectedEOF):
		return fmt.Sprintf("EOF while parsing a value at offset %d", e.Offset)
	case errors.Is(e.Err, errInvalidUTF8):
		return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
	}
	return e.Err.Error()
}

func (e *SyntaxFault) Unwrap() error { return e.Err }

// Decoder yields the top-level JSON values of a stream one at a time.
type Decoder struct {
	budget *BudgetReader
	dec    *json.Decoder
	done   bool
}

// NewDecoder reads values from r.
func NewDecoder(r *BudgetReader) *Decoder {
	return &Decoder{budget: r, dec: json.NewDecoder(r)}
}

// Next returns the next raw value. It returns io.EOF at a clean end of the
// stream, ErrBudgetExceeded when the budget cut a value short, a
// *SyntaxFault for malformed input or a value that is not valid UTF-8, and
// the reader's own error otherwise.
// After any error every later call returns io.EOF.
func (d *Decoder) Next() (json.RawMessage, error) {
	if d.done {
		return nil, io.EOF
	}

	var raw json.RawMessage
	err := d.dec.Decode(&raw)
	if err == nil {
		if i := invalidUTF8(raw); i >= 0 {
			d.done = true
			start := d.dec.InputOffset() - int64(len(raw))
			return nil, &SyntaxFault{Offset: start + int64(i), Err: errInvalidUTF8}
		}
		return raw, nil
	}
	d.done = true

	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		if d.budget.Exhausted() {
			return nil, ErrBudgetExceeded
		}
		return nil, &SyntaxFault{Offset: d.budget.Consumed(), Err: err}
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return nil, &SyntaxFault{Offset: syntaxErr.Offset, Err: err}
	}
	return nil, err
}

// invalidUTF8 returns the index of the first byte of b that is not part of
// a valid UTF-8 sequence, or -1.
func invalidUTF8(b []byte) int {
	if utf8.Valid(b) {
		return -1
	}
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}
