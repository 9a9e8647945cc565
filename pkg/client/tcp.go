package client

import (
	"context"
	"fmt"
	"net"
)

// TCPClient opens one connection per call to a proxy in tcp mode.
type TCPClient struct {
	Addr string
}

// Synthe dials Addr, sends one request and returns the WAV bytes.
func (c *TCPClient) Synthe(ctx context.Context, voice, koe string, speed int) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	// Closing the connection unblocks a pending read or write when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	wav, err := NewConn(conn, conn).Synthe(voice, koe, speed)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return wav, err
}
