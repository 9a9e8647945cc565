// Package client talks to a running proxy, either over TCP or by spawning it
// in stdio mode.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/example/aquestalk-proxy/pkg/protocol"
)

// Synthesizer turns phonetic text into WAV bytes through a proxy.
type Synthesizer interface {
	Synthe(ctx context.Context, voice, koe string, speed int) ([]byte, error)
}

// ErrClosed is returned once the proxy has ended the session.
var ErrClosed = errors.New("proxy session is closed")

// ResponseError is a failed response from the proxy.
type ResponseError struct {
	Payload   protocol.Payload
	WillClose bool
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Payload.Type(), protocol.Message(e.Payload))
}

// Code returns the engine fault code, if the proxy reported one.
func (e *ResponseError) Code() (int, bool) {
	if p, ok := e.Payload.(protocol.AquestalkError); ok && p.Code != nil {
		return *p.Code, true
	}
	return 0, false
}

// Conn drives one session from the client side. It is not safe for
// concurrent use; requests and responses are strictly paired.
type Conn struct {
	r      *bufio.Reader
	w      io.Writer
	closed bool
}

// NewConn returns a Conn reading responses from r and writing requests to
// w. If w is an io.Closer it is closed when the proxy announces willClose.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// Closed reports whether the session has ended.
func (c *Conn) Closed() bool {
	return c.closed
}

// Do sends req and returns the proxy's response. Errors are transport or
// decoding failures; a failed response is not an error here.
func (c *Conn) Do(req protocol.Request) (protocol.Response, error) {
	if c.closed {
		return protocol.Response{}, ErrClosed
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return protocol.Response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		c.close()
		return protocol.Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
		c.close()
		if errors.Is(err, io.EOF) {
			return protocol.Response{}, fmt.Errorf("read response: %w", ErrClosed)
		}
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.close()
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.WillClose {
		c.close()
	}
	return resp, nil
}

// Synthe sends one request and returns the WAV bytes, or a *ResponseError
// when the proxy answered with a fault.
func (c *Conn) Synthe(voice, koe string, speed int) ([]byte, error) {
	resp, err := c.Do(protocol.Request{Type: voice, Speed: speed, Koe: koe})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess {
		return nil, &ResponseError{Payload: resp.Payload, WillClose: resp.WillClose}
	}

	wav, ok := resp.Payload.(protocol.Wav)
	if !ok {
		return nil, fmt.Errorf("success response carries %s payload", resp.Payload.Type())
	}
	return wav.Data, nil
}

func (c *Conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	if wc, ok := c.w.(io.Closer); ok {
		_ = wc.Close()
	}
}

var (
	_ Synthesizer = (*TCPClient)(nil)
	_ Synthesizer = (*ExecClient)(nil)
)
