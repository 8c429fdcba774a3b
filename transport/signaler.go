// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
)

// SignalType distinguishes signaling messages.
type SignalType uint8

const (
	// SignalHello carries an opaque session payload (candidates, NAT
	// classification, relay token) before any path is tried.
	SignalHello SignalType = iota + 1

	// SignalOffer and SignalAnswer carry complete SDP.
	SignalOffer
	SignalAnswer

	// SignalBye tells the peer to stop waiting.
	SignalBye
)

func (t SignalType) String() string {
	switch t {
	case SignalHello:
		return "hello"
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalBye:
		return "bye"
	default:
		return fmt.Sprintf("signal(%d)", uint8(t))
	}
}

// Signal is one signaling message.
type Signal struct {
	Type SignalType `cbor:"type"`

	// SDP is set on offers and answers, with every ICE candidate
	// embedded.
	SDP string `cbor:"sdp,omitempty"`

	// Payload is set on hellos.
	Payload []byte `cbor:"payload,omitempty"`
}

// Signaler is a two-party, ordered message channel between the peers of
// one session. Implementations must allow one concurrent Send and one
// concurrent Receive.
type Signaler interface {
	Send(ctx context.Context, signal Signal) error
	Receive(ctx context.Context) (Signal, error)
	Close() error
}

// ErrPeerLeft is returned when the peer sent SignalBye or closed its end.
var ErrPeerLeft = errors.New("transport: signaling peer left")

// UnexpectedSignalError is returned by Expect for an out-of-order
// message.
type UnexpectedSignalError struct {
	Want, Got SignalType
}

func (e *UnexpectedSignalError) Error() string {
	return fmt.Sprintf("transport: expected %s signal, got %s", e.Want, e.Got)
}

// Expect receives one signal and checks its type. A bye becomes
// ErrPeerLeft.
func Expect(ctx context.Context, signaler Signaler, want SignalType) (Signal, error) {
	signal, err := signaler.Receive(ctx)
	if err != nil {
		return Signal{}, err
	}
	if signal.Type == SignalBye && want != SignalBye {
		return Signal{}, ErrPeerLeft
	}
	if signal.Type != want {
		return Signal{}, &UnexpectedSignalError{Want: want, Got: signal.Type}
	}
	return signal, nil
}
