// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bureau-foundation/tallow/lib/codec"
	"github.com/bureau-foundation/tallow/lib/netutil"
)

// Compile-time interface check.
var _ Signaler = (*StreamSignaler)(nil)

// maxSignalSize bounds one frame. A complete SDP with a full candidate
// list is a few kilobytes; hello payloads carry a prekey bundle and at
// most 32 candidates.
const maxSignalSize = 256 << 10

// StreamSignaler carries signals as length-prefixed CBOR frames over a
// byte stream. The stream is owned by the signaler after construction.
type StreamSignaler struct {
	stream io.ReadWriteCloser

	readMu    sync.Mutex
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamSignaler wraps stream. A stream with read and write
// deadlines (any net.Conn) survives a cancelled Send or Receive; other
// streams are closed by cancellation.
func NewStreamSignaler(stream io.ReadWriteCloser) *StreamSignaler {
	return &StreamSignaler{stream: stream}
}

func (s *StreamSignaler) Send(ctx context.Context, signal Signal) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	release := netutil.Interrupt(ctx, s.stream, netutil.Write)
	err := codec.WriteFrame(s.stream, signal)
	if cancelled := release(); cancelled != nil {
		return cancelled
	}
	if err != nil {
		return fmt.Errorf("sending %s signal: %w", signal.Type, err)
	}
	return nil
}

func (s *StreamSignaler) Receive(ctx context.Context) (Signal, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	release := netutil.Interrupt(ctx, s.stream, netutil.Read)
	var signal Signal
	err := codec.ReadFrame(s.stream, &signal, maxSignalSize)
	if cancelled := release(); cancelled != nil {
		return Signal{}, cancelled
	}
	if err != nil {
		if errors.Is(err, io.EOF) || netutil.IsExpectedCloseError(err) {
			return Signal{}, ErrPeerLeft
		}
		return Signal{}, fmt.Errorf("receiving signal: %w", err)
	}
	return signal, nil
}

// byeTimeout bounds the farewell write in Close.
const byeTimeout = 250 * time.Millisecond

// Close sends a best-effort bye when the stream supports write
// deadlines and no Send is in flight, then closes the stream.
func (s *StreamSignaler) Close() error {
	s.closeOnce.Do(func() {
		conn, ok := s.stream.(interface{ SetWriteDeadline(time.Time) error })
		if ok && s.writeMu.TryLock() {
			conn.SetWriteDeadline(time.Now().Add(byeTimeout))
			codec.WriteFrame(s.stream, Signal{Type: SignalBye})
			s.writeMu.Unlock()
		}
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}
