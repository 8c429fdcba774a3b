// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/bureau-foundation/tallow/lib/codec"
	"github.com/bureau-foundation/tallow/nat"
	"github.com/bureau-foundation/tallow/strategy"
	"github.com/bureau-foundation/tallow/transport"
)

// helloVersion is bumped on any incompatible change to hello.
const helloVersion = 1

// hello is the first signal each peer sends. The responder speaks
// first so the initiator can choose a plan knowing both NAT classes.
type hello struct {
	Version    uint8              `cbor:"v"`
	Identity   []byte             `cbor:"identity"`
	Bundle     []byte             `cbor:"bundle,omitempty"`
	NAT        nat.Classification `cbor:"nat"`
	Candidates []byte             `cbor:"candidates,omitempty"`

	// Plan is the initiator's decision, which the responder follows.
	Plan *plan `cbor:"plan,omitempty"`
}

type plan struct {
	Mode          strategy.Mode `cbor:"mode"`
	DirectTimeout time.Duration `cbor:"directTimeout"`

	// Direct is set when the initiator will send a WebRTC offer.
	Direct bool `cbor:"direct"`

	// RelayAddress and RelayHello are set when a relay is assigned.
	// RelayHello is the encoded hello frame both peers present.
	RelayAddress string `cbor:"relay,omitempty"`
	RelayHello   []byte `cbor:"relayHello,omitempty"`
}

func sendHello(ctx context.Context, signaler transport.Signaler, message hello) error {
	message.Version = helloVersion
	payload, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("session: encoding hello: %w", err)
	}
	if err := signaler.Send(ctx, transport.Signal{Type: transport.SignalHello, Payload: payload}); err != nil {
		return fmt.Errorf("session: sending hello: %w", err)
	}
	return nil
}

func receiveHello(ctx context.Context, signaler transport.Signaler) (hello, error) {
	signal, err := transport.Expect(ctx, signaler, transport.SignalHello)
	if err != nil {
		return hello{}, fmt.Errorf("session: waiting for hello: %w", err)
	}
	var message hello
	if err := codec.Unmarshal(signal.Payload, &message); err != nil {
		return hello{}, fmt.Errorf("session: decoding hello: %w", err)
	}
	if message.Version != helloVersion {
		return hello{}, fmt.Errorf("session: peer speaks hello version %d, want %d", message.Version, helloVersion)
	}
	if len(message.Identity) != ed25519.PublicKeySize {
		return hello{}, fmt.Errorf("session: peer identity is %d bytes", len(message.Identity))
	}
	return message, nil
}
