// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// Dialer opens byte streams to a network address. TCPDialer is the
// production implementation; tests substitute in-memory pipes.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
