// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is one end of an in-process signaling pair for tests.
// Two WebRTC endpoints holding the two ends can negotiate without any
// network signaling.
type MemorySignaler struct {
	inbound  chan Signal
	outbound chan Signal

	// closed is shared by both ends: closing either ends the pair.
	closed    chan struct{}
	closeOnce *sync.Once
}

// NewMemorySignalerPair returns two connected ends.
func NewMemorySignalerPair() (*MemorySignaler, *MemorySignaler) {
	forward := make(chan Signal, 16)
	backward := make(chan Signal, 16)
	closed := make(chan struct{})
	once := new(sync.Once)
	return &MemorySignaler{inbound: backward, outbound: forward, closed: closed, closeOnce: once},
		&MemorySignaler{inbound: forward, outbound: backward, closed: closed, closeOnce: once}
}

func (s *MemorySignaler) Send(ctx context.Context, signal Signal) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	select {
	case s.outbound <- signal:
		return nil
	case <-s.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemorySignaler) Receive(ctx context.Context) (Signal, error) {
	// Drain buffered messages before reporting the close.
	select {
	case signal := <-s.inbound:
		return signal, nil
	default:
	}
	select {
	case signal := <-s.inbound:
		return signal, nil
	case <-s.closed:
		return Signal{}, ErrPeerLeft
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}

func (s *MemorySignaler) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
