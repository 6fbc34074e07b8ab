// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package debugattach

import (
	"fmt"
	"net"
	"time"

	"github.com/nova-run/nova/lib/codec"
)

// dialTimeout bounds how long a client waits to connect to the debug
// socket before giving up.
const dialTimeout = 5 * time.Second

// Client is a thin dialer for cmd/nova-attach: connect, send one
// attach request, then read frames until the stream ends.
type Client struct {
	conn    net.Conn
	decoder *codec.Decoder
}

// Dial connects to the debug socket at socketPath and requests an
// attach stream for sessionID.
func Dial(socketPath, sessionID string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing debug socket %s: %w", socketPath, err)
	}

	if err := codec.NewEncoder(conn).Encode(Request{Action: "attach", SessionID: sessionID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending attach request: %w", err)
	}

	return &Client{conn: conn, decoder: codec.NewDecoder(conn)}, nil
}

// Next blocks for the next frame. Returns an error once the
// connection closes, which happens after a FrameClosed or FrameError
// frame or if the server goes away.
func (c *Client) Next() (Frame, error) {
	var frame Frame
	if err := c.decoder.Decode(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// Close disconnects from the debug socket.
func (c *Client) Close() error {
	return c.conn.Close()
}
