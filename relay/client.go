// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bureau-foundation/tallow/lib/netutil"
	"github.com/bureau-foundation/tallow/transport"
)

// DefaultStatusTimeout bounds the wait for the server's answer. It
// covers the server's wait for the peer.
const DefaultStatusTimeout = 3 * time.Minute

// Client connects to relay servers.
type Client struct {
	Dialer transport.Dialer

	// StatusTimeout is how long Dial waits for the peer to be paired.
	// Zero means DefaultStatusTimeout.
	StatusTimeout time.Duration

	Logger *slog.Logger
}

// NewClient returns a Client dialing over TCP.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{Dialer: &transport.TCPDialer{}, Logger: logger}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Dial presents credential to the relay at address and waits until the
// peer holding the same token arrives. The returned connection carries
// the peer's bytes verbatim.
func (c *Client) Dial(ctx context.Context, address string, credential Credential) (net.Conn, error) {
	timeout := c.StatusTimeout
	if timeout <= 0 {
		timeout = DefaultStatusTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, status, err := c.exchange(ctx, address, EncodeHello(credential))
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		conn.Close()
		return nil, &StatusError{Address: address, Status: status}
	}
	c.logger().Debug("relay paired", "relay", address, "token", credential.Token.String())
	return conn, nil
}

// Probe checks that the relay at address answers. Relay pools use it
// to measure latency.
func (c *Client) Probe(ctx context.Context, address string) error {
	conn, status, err := c.exchange(ctx, address, EncodeHello(Credential{}))
	if err != nil {
		return err
	}
	conn.Close()
	if status != StatusPong {
		return &StatusError{Address: address, Status: status}
	}
	return nil
}

func (c *Client) exchange(ctx context.Context, address string, hello []byte) (net.Conn, Status, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{}
	}
	conn, err := dialer.DialContext(ctx, address)
	if err != nil {
		return nil, 0, fmt.Errorf("relay: dialing %s: %w", address, err)
	}

	release := netutil.Interrupt(ctx, conn, netutil.Write)
	_, err = conn.Write(hello)
	if cancelled := release(); cancelled != nil {
		err = cancelled
	}
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("relay: sending hello to %s: %w", address, err)
	}

	var status [1]byte
	release = netutil.Interrupt(ctx, conn, netutil.Read)
	_, err = io.ReadFull(conn, status[:])
	if cancelled := release(); cancelled != nil {
		err = cancelled
	}
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("relay: waiting for %s: %w", address, err)
	}
	return conn, Status(status[0]), nil
}
