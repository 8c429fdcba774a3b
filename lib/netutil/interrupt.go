// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"io"
	"time"
)

// Direction selects which half of a stream Interrupt unblocks.
type Direction uint8

const (
	Read Direction = iota + 1
	Write
)

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

var longAgo = time.Unix(1, 0)

func setDeadline(stream io.Closer, direction Direction, deadline time.Time) bool {
	switch direction {
	case Read:
		if conn, ok := stream.(readDeadliner); ok {
			conn.SetReadDeadline(deadline)
			return true
		}
	case Write:
		if conn, ok := stream.(writeDeadliner); ok {
			conn.SetWriteDeadline(deadline)
			return true
		}
	}
	return false
}

// Interrupt arranges for a read or write blocked on stream to return
// once ctx is done. Streams with deadlines get an expired deadline on
// that half only; anything else is closed and cannot be reused.
//
// Call the returned release function when the I/O finishes. It clears
// the deadline and returns ctx.Err() if the interrupt fired, so callers
// can report cancellation instead of the timeout error the I/O saw.
func Interrupt(ctx context.Context, stream io.Closer, direction Direction) (release func() error) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		if !setDeadline(stream, direction, longAgo) {
			stream.Close()
		}
	})
	return func() error {
		if stop() {
			return nil
		}
		<-fired
		setDeadline(stream, direction, time.Time{})
		return ctx.Err()
	}
}
