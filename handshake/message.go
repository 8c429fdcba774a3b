// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/bureau-foundation/tallow/identity"
	"github.com/bureau-foundation/tallow/internal/kex"
	"github.com/bureau-foundation/tallow/lib/digest"
	"github.com/bureau-foundation/tallow/lib/version"
)

// Init message layout:
//
//	version:1 | identity:32 | bundle:1297 | target:32 | ephemeral:32 | ciphertext:1088
//
// target is the fingerprint of the responder bundle the initiator
// used; ciphertext is encapsulated to that bundle's KEM key.
const (
	initIdentity   = 1
	initBundle     = initIdentity + ed25519.PublicKeySize
	initTarget     = initBundle + identity.BundleSize
	initEphemeral  = initTarget + digest.Size
	initCiphertext = initEphemeral + kex.X25519Size
	InitSize       = initCiphertext + kex.KEMCiphertextSize
)

// Response message layout:
//
//	version:1 | ephemeral:32 | ciphertext:1088 | confirm:32
const (
	responseEphemeral  = 1
	responseCiphertext = responseEphemeral + kex.X25519Size
	responseConfirm    = responseCiphertext + kex.KEMCiphertextSize
	ResponseSize       = responseConfirm + 32
)

type initMessage struct {
	identity   ed25519.PublicKey
	bundle     []byte
	target     digest.Hash
	ephemeral  [kex.X25519Size]byte
	ciphertext [kex.KEMCiphertextSize]byte
}

func (m *initMessage) encode() []byte {
	out := make([]byte, InitSize)
	out[0] = version.ProtocolVersion
	copy(out[initIdentity:], m.identity)
	copy(out[initBundle:], m.bundle)
	copy(out[initTarget:], m.target[:])
	copy(out[initEphemeral:], m.ephemeral[:])
	copy(out[initCiphertext:], m.ciphertext[:])
	return out
}

var errVersion = errors.New("protocol version mismatch")

func decodeInit(data []byte) (*initMessage, error) {
	if len(data) != InitSize {
		return nil, fmt.Errorf("init message is %d bytes, want %d", len(data), InitSize)
	}
	if data[0] != version.ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", errVersion, data[0], version.ProtocolVersion)
	}
	m := &initMessage{
		identity: append(ed25519.PublicKey(nil), data[initIdentity:initBundle]...),
		bundle:   append([]byte(nil), data[initBundle:initTarget]...),
	}
	copy(m.target[:], data[initTarget:initEphemeral])
	copy(m.ephemeral[:], data[initEphemeral:initCiphertext])
	copy(m.ciphertext[:], data[initCiphertext:])
	return m, nil
}

type responseMessage struct {
	ephemeral  [kex.X25519Size]byte
	ciphertext [kex.KEMCiphertextSize]byte
	confirm    [32]byte
}

func (m *responseMessage) encode() []byte {
	out := make([]byte, ResponseSize)
	out[0] = version.ProtocolVersion
	copy(out[responseEphemeral:], m.ephemeral[:])
	copy(out[responseCiphertext:], m.ciphertext[:])
	copy(out[responseConfirm:], m.confirm[:])
	return out
}

func decodeResponse(data []byte) (*responseMessage, error) {
	if len(data) != ResponseSize {
		return nil, fmt.Errorf("response message is %d bytes, want %d", len(data), ResponseSize)
	}
	if data[0] != version.ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", errVersion, data[0], version.ProtocolVersion)
	}
	m := &responseMessage{}
	copy(m.ephemeral[:], data[responseEphemeral:responseCiphertext])
	copy(m.ciphertext[:], data[responseCiphertext:responseConfirm])
	copy(m.confirm[:], data[responseConfirm:])
	return m, nil
}
