// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Compile-time interface check.
var _ Dialer = (*TCPDialer)(nil)

// TCPListener accepts direct TCP connections from the peer. It needs
// direct reachability, so it serves LAN peers and tests; NAT traversal
// goes through WebRTC.
type TCPListener struct {
	listener *net.TCPListener
}

// ListenTCP listens on address (e.g. ":7891"). Use ":0" for a random
// port.
func ListenTCP(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener.(*net.TCPListener)}, nil
}

// Accept waits for one connection or for ctx. A cancelled Accept
// leaves the listener usable.
func (l *TCPListener) Accept(ctx context.Context) (*net.TCPConn, error) {
	stop := context.AfterFunc(ctx, func() {
		l.listener.SetDeadline(time.Unix(1, 0))
	})
	conn, err := l.listener.AcceptTCP()
	if !stop() {
		l.listener.SetDeadline(time.Time{})
		if conn != nil {
			conn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	conn.SetNoDelay(true)
	return conn, nil
}

// Port is the bound port, advertised in host candidates.
func (l *TCPListener) Port() uint16 {
	return l.AddrPort().Port()
}

// AddrPort is the bound address.
func (l *TCPListener) AddrPort() netip.AddrPort {
	return l.listener.Addr().(*net.TCPAddr).AddrPort()
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer opens TCP connections to the peer or to a relay.
type TCPDialer struct {
	// Timeout bounds each connection attempt. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

// DialFirst tries addresses in order and returns the first connection.
// Candidates arrive sorted by priority, so order is preference.
func (d *TCPDialer) DialFirst(ctx context.Context, addresses []netip.AddrPort) (net.Conn, error) {
	if len(addresses) == 0 {
		return nil, errors.New("transport: no addresses to dial")
	}
	var errs []error
	for _, address := range addresses {
		conn, err := d.DialContext(ctx, address.String())
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", address, err))
	}
	return nil, errors.Join(errs...)
}
