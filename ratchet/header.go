// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/tallow/internal/kex"
	"github.com/bureau-foundation/tallow/lib/version"
)

// Header layout:
//
//	version:1 | flags:1 | ratchet key:32 | previous:4 | counter:4 | [kem key:1184] | [kem ciphertext:1088]
//
// The optional fields are present when the matching flag bit is set.
// Every message on a chain carries the same optional fields so that
// whichever arrives first can complete the step.
const (
	HeaderBaseSize = 2 + kex.X25519Size + 4 + 4
	HeaderMaxSize  = HeaderBaseSize + kex.KEMPublicSize + kex.KEMCiphertextSize

	flagKEMPublic     = 1 << 0
	flagKEMCiphertext = 1 << 1
	knownFlags        = flagKEMPublic | flagKEMCiphertext
)

// Header travels in the clear ahead of each ratchet message.
type Header struct {
	// RatchetKey is the sender's current X25519 ratchet public key. It
	// identifies the sending chain.
	RatchetKey [kex.X25519Size]byte

	// Previous is the number of messages on the sender's previous
	// chain.
	Previous uint32
	Counter  uint32

	// KEMPublic announces the sender's ML-KEM-768 key.
	KEMPublic []byte

	// KEMCiphertext is an encapsulation to the receiver's announced
	// key; its shared secret was mixed into the step that started
	// this chain.
	KEMCiphertext []byte
}

// Size is the encoded length.
func (h *Header) Size() int {
	size := HeaderBaseSize
	if h.KEMPublic != nil {
		size += kex.KEMPublicSize
	}
	if h.KEMCiphertext != nil {
		size += kex.KEMCiphertextSize
	}
	return size
}

// AppendEncode appends the encoded header to dst.
func (h *Header) AppendEncode(dst []byte) []byte {
	var flags byte
	if h.KEMPublic != nil {
		flags |= flagKEMPublic
	}
	if h.KEMCiphertext != nil {
		flags |= flagKEMCiphertext
	}
	dst = append(dst, version.ProtocolVersion, flags)
	dst = append(dst, h.RatchetKey[:]...)
	dst = binary.BigEndian.AppendUint32(dst, h.Previous)
	dst = binary.BigEndian.AppendUint32(dst, h.Counter)
	dst = append(dst, h.KEMPublic...)
	dst = append(dst, h.KEMCiphertext...)
	return dst
}

// Encode returns the encoded header.
func (h *Header) Encode() []byte {
	return h.AppendEncode(make([]byte, 0, h.Size()))
}

// DecodeHeader parses a header from the front of data and returns it
// with the number of bytes consumed.
func DecodeHeader(data []byte) (Header, int, error) {
	var h Header
	if len(data) < HeaderBaseSize {
		return h, 0, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(data))
	}
	if data[0] != version.ProtocolVersion {
		return h, 0, fmt.Errorf("%w: version %d", ErrMalformedHeader, data[0])
	}
	flags := data[1]
	if flags&^knownFlags != 0 {
		return h, 0, fmt.Errorf("%w: unknown flags %#x", ErrMalformedHeader, flags)
	}
	copy(h.RatchetKey[:], data[2:34])
	h.Previous = binary.BigEndian.Uint32(data[34:38])
	h.Counter = binary.BigEndian.Uint32(data[38:42])
	offset := HeaderBaseSize
	if flags&flagKEMPublic != 0 {
		if len(data) < offset+kex.KEMPublicSize {
			return h, 0, fmt.Errorf("%w: truncated KEM key", ErrMalformedHeader)
		}
		h.KEMPublic = append([]byte(nil), data[offset:offset+kex.KEMPublicSize]...)
		offset += kex.KEMPublicSize
	}
	if flags&flagKEMCiphertext != 0 {
		if len(data) < offset+kex.KEMCiphertextSize {
			return h, 0, fmt.Errorf("%w: truncated KEM ciphertext", ErrMalformedHeader)
		}
		h.KEMCiphertext = append([]byte(nil), data[offset:offset+kex.KEMCiphertextSize]...)
		offset += kex.KEMCiphertextSize
	}
	return h, offset, nil
}
