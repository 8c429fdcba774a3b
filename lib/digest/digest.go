// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest provides domain-separated BLAKE3 hashing.
//
// Every digest in tallow is a BLAKE3 keyed hash whose key names the
// domain: the same bytes hashed as a chunk and as a transcript produce
// unrelated values. Domain keys are the ASCII domain name zero-padded
// to 32 bytes so they are recognizable in hex dumps.
package digest

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length of every digest.
const Size = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [Size]byte

// Domain is a 32-byte BLAKE3 key selecting a hash domain.
type Domain [32]byte

func newDomain(name string) Domain {
	if len(name) > 32 {
		panic("digest: domain name longer than 32 bytes: " + name)
	}
	var domain Domain
	copy(domain[:], name)
	return domain
}

// Changing any of these invalidates every stored or exchanged digest in
// that domain.
var (
	Fingerprint = newDomain("tallow.fingerprint")
	Transcript  = newDomain("tallow.transcript")
	Chunk       = newDomain("tallow.chunk")
	File        = newDomain("tallow.file")
	Manifest    = newDomain("tallow.manifest")
	Attachment  = newDomain("tallow.attachment")
)

// Sum hashes data in the given domain.
func Sum(domain Domain, data []byte) Hash {
	hasher := New(domain)
	hasher.Write(data)
	return hasher.Sum()
}

// Hasher is a streaming keyed hasher. It implements io.Writer.
type Hasher struct {
	inner *blake3.Hasher
}

// New returns a streaming hasher for domain.
func New(domain Domain) *Hasher {
	inner, err := blake3.NewKeyed(domain[:])
	if err != nil {
		// Only returned for a key of the wrong length, which Domain rules out.
		panic("digest: BLAKE3 keyed init: " + err.Error())
	}
	return &Hasher{inner: inner}
}

// Write never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.inner.Write(p)
}

// WriteField writes a length-prefixed field, so adjacent fields cannot
// be re-split into a colliding sequence.
func (h *Hasher) WriteField(p []byte) {
	var prefix [4]byte
	prefix[0] = byte(len(p) >> 24)
	prefix[1] = byte(len(p) >> 16)
	prefix[2] = byte(len(p) >> 8)
	prefix[3] = byte(len(p))
	h.inner.Write(prefix[:])
	h.inner.Write(p)
}

// Sum returns the digest of everything written so far. The hasher can
// keep accepting writes.
func (h *Hasher) Sum() Hash {
	var hash Hash
	copy(hash[:], h.inner.Sum(nil))
	return hash
}

// Reset returns the hasher to its initial keyed state.
func (h *Hasher) Reset() {
	h.inner.Reset()
}

// Derive fills out with extended BLAKE3 output of everything written.
// Used where more than 32 bytes of keyed output are needed (SAS digits).
func (h *Hasher) Derive(out []byte) {
	reader := h.inner.Digest()
	reader.Read(out)
}

// MerkleRoot returns the root of a binary tree over leaves, pairing
// adjacent nodes with the domain key. An odd trailing node is promoted
// unchanged. A single leaf is its own root. Panics on an empty list.
func MerkleRoot(domain Domain, leaves []Hash) Hash {
	if len(leaves) == 0 {
		panic("digest: MerkleRoot of empty list")
	}
	level := append([]Hash(nil), leaves...)
	hasher := New(domain)
	var pair [2 * Size]byte
	for len(level) > 1 {
		next := level[:0:0]
		for i := 0; i+1 < len(level); i += 2 {
			copy(pair[:Size], level[i][:])
			copy(pair[Size:], level[i+1][:])
			hasher.Reset()
			hasher.Write(pair[:])
			next = append(next, hasher.Sum())
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

// IsZero reports whether h is the all-zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// String is the lowercase hex form.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short is the first 8 hex characters, for logs and error messages.
func (h Hash) Short() string { return hex.EncodeToString(h[:4]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Parse decodes a 64-character hex digest.
func Parse(text string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return hash, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != Size {
		return hash, fmt.Errorf("digest is %d bytes, want %d", len(decoded), Size)
	}
	copy(hash[:], decoded)
	return hash, nil
}
