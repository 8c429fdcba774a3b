// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/bureau-foundation/tallow/lib/digest"
	"github.com/bureau-foundation/tallow/lib/secret"
)

// IdentityKey is a device's Ed25519 signing keypair. The private key
// lives in a secret.Buffer; call Close when done.
type IdentityKey struct {
	public  ed25519.PublicKey
	private *secret.Buffer // 32-byte seed
}

// GenerateIdentity creates a new identity from crypto/rand.
func GenerateIdentity() (*IdentityKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: generating seed: %w", err)
	}
	return identityFromSeed(seed)
}

// identityFromSeed takes ownership of seed and zeroes it.
func identityFromSeed(seed []byte) (*IdentityKey, error) {
	if len(seed) != ed25519.SeedSize {
		secret.Zero(seed)
		return nil, fmt.Errorf("identity: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	public := append(ed25519.PublicKey(nil), private.Public().(ed25519.PublicKey)...)
	secret.Zero(private)

	buffer, err := secret.NewFromBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return &IdentityKey{public: public, private: buffer}, nil
}

// PublicKey returns the verification key. It is safe to share.
func (k *IdentityKey) PublicKey() ed25519.PublicKey {
	return k.public
}

// Fingerprint identifies the identity in logs and errors.
func (k *IdentityKey) Fingerprint() digest.Hash {
	return IdentityFingerprint(k.public)
}

// IdentityFingerprint is Fingerprint for a bare public key.
func IdentityFingerprint(public ed25519.PublicKey) digest.Hash {
	return digest.Sum(digest.Fingerprint, public)
}

// Sign signs message. The expanded private key exists only for the
// duration of the call.
func (k *IdentityKey) Sign(message []byte) []byte {
	private := ed25519.NewKeyFromSeed(k.private.Bytes())
	defer secret.Zero(private)
	return ed25519.Sign(private, message)
}

// seed returns a copy of the private seed for persistence.
func (k *IdentityKey) seed() []byte {
	return append([]byte(nil), k.private.Bytes()...)
}

// Close wipes the private key.
func (k *IdentityKey) Close() error {
	return k.private.Close()
}
