// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kex wraps the key-agreement primitives shared by the identity
// store, the handshake, and the ratchet: X25519, ML-KEM-768, and
// HKDF-SHA256. It exists so those packages agree on sizes, validation,
// and failure behavior.
package kex

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/tallow/lib/secret"
)

const (
	X25519Size        = curve25519.PointSize
	KEMPublicSize     = mlkem768.PublicKeySize
	KEMCiphertextSize = mlkem768.CiphertextSize
	KEMSeedSize       = mlkem768.KeySeedSize
	SharedSize        = mlkem768.SharedKeySize
)

// ErrLowOrderPoint is returned when an X25519 agreement yields zero.
var ErrLowOrderPoint = errors.New("kex: x25519 low-order point")

// ErrBadKEMKey is returned for an encapsulation key that does not
// decode to valid ML-KEM-768 coefficients.
var ErrBadKEMKey = errors.New("kex: malformed ML-KEM-768 public key")

// X25519Pair is a Diffie-Hellman keypair.
type X25519Pair struct {
	Private [X25519Size]byte
	Public  [X25519Size]byte
}

// NewX25519 generates a keypair from crypto/rand.
func NewX25519() (X25519Pair, error) {
	var pair X25519Pair
	if _, err := io.ReadFull(rand.Reader, pair.Private[:]); err != nil {
		return pair, fmt.Errorf("kex: generating x25519 key: %w", err)
	}
	public, err := curve25519.X25519(pair.Private[:], curve25519.Basepoint)
	if err != nil {
		return pair, fmt.Errorf("kex: deriving x25519 public key: %w", err)
	}
	copy(pair.Public[:], public)
	return pair, nil
}

// X25519FromPrivate rebuilds a pair from its private scalar.
func X25519FromPrivate(private []byte) (X25519Pair, error) {
	var pair X25519Pair
	if len(private) != X25519Size {
		return pair, fmt.Errorf("kex: x25519 private key is %d bytes", len(private))
	}
	copy(pair.Private[:], private)
	public, err := curve25519.X25519(pair.Private[:], curve25519.Basepoint)
	if err != nil {
		return pair, err
	}
	copy(pair.Public[:], public)
	return pair, nil
}

// Wipe zeroes the private half.
func (p *X25519Pair) Wipe() { secret.Zero(p.Private[:]) }

// DH computes X25519(private, public), rejecting low-order results.
func DH(private, public [X25519Size]byte) ([SharedSize]byte, error) {
	var shared [SharedSize]byte
	out, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return shared, ErrLowOrderPoint
	}
	copy(shared[:], out)
	secret.Zero(out)
	return shared, nil
}

// KEMPair is an ML-KEM-768 keypair derived from a 64-byte seed. The
// seed is the only part that needs storing.
type KEMPair struct {
	Seed    [KEMSeedSize]byte
	Public  [KEMPublicSize]byte
	private *mlkem768.PrivateKey
}

// NewKEM generates a keypair from crypto/rand.
func NewKEM() (*KEMPair, error) {
	var seed [KEMSeedSize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("kex: generating ML-KEM seed: %w", err)
	}
	return KEMFromSeed(seed[:])
}

// KEMFromSeed deterministically rebuilds a keypair.
func KEMFromSeed(seed []byte) (*KEMPair, error) {
	if len(seed) != KEMSeedSize {
		return nil, fmt.Errorf("kex: ML-KEM seed is %d bytes, want %d", len(seed), KEMSeedSize)
	}
	public, private := mlkem768.NewKeyFromSeed(seed)
	pair := &KEMPair{private: private}
	copy(pair.Seed[:], seed)
	public.Pack(pair.Public[:])
	return pair, nil
}

// Decapsulate recovers the shared secret for ciphertext. ML-KEM uses
// implicit rejection: a corrupted ciphertext yields an unrelated
// secret rather than an error, which later key confirmation or AEAD
// authentication catches.
func (p *KEMPair) Decapsulate(ciphertext []byte) ([SharedSize]byte, error) {
	var shared [SharedSize]byte
	if len(ciphertext) != KEMCiphertextSize {
		return shared, fmt.Errorf("kex: ML-KEM ciphertext is %d bytes, want %d", len(ciphertext), KEMCiphertextSize)
	}
	p.private.DecapsulateTo(shared[:], ciphertext)
	return shared, nil
}

// Wipe zeroes the seed and drops the expanded private key.
func (p *KEMPair) Wipe() {
	secret.Zero(p.Seed[:])
	p.private = nil
}

// ValidateKEMPublic checks that key decodes as an ML-KEM-768
// encapsulation key.
func ValidateKEMPublic(key []byte) error {
	if len(key) != KEMPublicSize {
		return fmt.Errorf("%w: %d bytes", ErrBadKEMKey, len(key))
	}
	var public mlkem768.PublicKey
	if err := public.Unpack(key); err != nil {
		return fmt.Errorf("%w: %v", ErrBadKEMKey, err)
	}
	return nil
}

// Encapsulate generates a shared secret for the holder of key.
func Encapsulate(key []byte) (ciphertext [KEMCiphertextSize]byte, shared [SharedSize]byte, err error) {
	if len(key) != KEMPublicSize {
		return ciphertext, shared, fmt.Errorf("%w: %d bytes", ErrBadKEMKey, len(key))
	}
	var public mlkem768.PublicKey
	if err := public.Unpack(key); err != nil {
		return ciphertext, shared, fmt.Errorf("%w: %v", ErrBadKEMKey, err)
	}
	var seed [mlkem768.EncapsulationSeedSize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return ciphertext, shared, fmt.Errorf("kex: encapsulation seed: %w", err)
	}
	public.EncapsulateTo(ciphertext[:], shared[:], seed[:])
	secret.Zero(seed[:])
	return ciphertext, shared, nil
}

// Derive expands HKDF-SHA256(secret, salt, info) into out.
func Derive(out, ikm, salt []byte, info string) {
	reader := hkdf.New(sha256.New, ikm, salt, []byte(info))
	if _, err := io.ReadFull(reader, out); err != nil {
		// HKDF only fails past 255*32 bytes of output.
		panic("kex: hkdf: " + err.Error())
	}
}

// MAC is HMAC-SHA256.
func MAC(key []byte, parts ...[]byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	for _, part := range parts {
		mac.Write(part)
	}
	var tag [32]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// Equal compares in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}
