// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/tallow/internal/kex"
	"github.com/bureau-foundation/tallow/lib/digest"
	"github.com/bureau-foundation/tallow/lib/version"
)

// Bundle layout, big-endian:
//
//	version:1 | ecdh:32 | kem:1184 | created:8 | expires:8 | sig:64
const (
	offsetVersion   = 0
	offsetECDH      = 1
	offsetKEM       = offsetECDH + kex.X25519Size
	offsetCreated   = offsetKEM + kex.KEMPublicSize
	offsetExpires   = offsetCreated + 8
	offsetSignature = offsetExpires + 8

	// SignedSize is the prefix covered by the signature.
	SignedSize = offsetSignature
	// BundleSize is the exact encoded length.
	BundleSize = offsetSignature + ed25519.SignatureSize
)

// bundleContext prefixes the signed bytes so a bundle signature cannot
// be replayed as a signature over anything else.
const bundleContext = "tallow.prekey.v1"

// Verification failures. VerifyBundle wraps exactly one of these.
var (
	ErrMalformedBundle = errors.New("malformed prekey bundle")
	ErrBadSignature    = errors.New("prekey bundle signature invalid")
	ErrExpiredBundle   = errors.New("prekey bundle expired")
)

// PrekeyBundle is the public half of a prekey, as exchanged.
type PrekeyBundle struct {
	Version    uint8
	ECDHPublic [kex.X25519Size]byte
	KEMPublic  [kex.KEMPublicSize]byte
	Created    time.Time
	Expires    time.Time
	Signature  [ed25519.SignatureSize]byte
}

// EncodeBundle writes the fixed wire layout. Times are Unix seconds.
func EncodeBundle(bundle *PrekeyBundle) []byte {
	out := make([]byte, BundleSize)
	out[offsetVersion] = bundle.Version
	copy(out[offsetECDH:], bundle.ECDHPublic[:])
	copy(out[offsetKEM:], bundle.KEMPublic[:])
	binary.BigEndian.PutUint64(out[offsetCreated:], uint64(bundle.Created.Unix()))
	binary.BigEndian.PutUint64(out[offsetExpires:], uint64(bundle.Expires.Unix()))
	copy(out[offsetSignature:], bundle.Signature[:])
	return out
}

// DecodeBundle parses the layout without verifying anything but size.
func DecodeBundle(data []byte) (*PrekeyBundle, error) {
	if len(data) != BundleSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedBundle, len(data), BundleSize)
	}
	bundle := &PrekeyBundle{
		Version: data[offsetVersion],
		Created: time.Unix(int64(binary.BigEndian.Uint64(data[offsetCreated:])), 0).UTC(),
		Expires: time.Unix(int64(binary.BigEndian.Uint64(data[offsetExpires:])), 0).UTC(),
	}
	copy(bundle.ECDHPublic[:], data[offsetECDH:offsetKEM])
	copy(bundle.KEMPublic[:], data[offsetKEM:offsetCreated])
	copy(bundle.Signature[:], data[offsetSignature:])
	return bundle, nil
}

// Fingerprint is the digest of the encoded bundle. The handshake
// transcript binds both peers' bundle fingerprints.
func (b *PrekeyBundle) Fingerprint() digest.Hash {
	return digest.Sum(digest.Fingerprint, EncodeBundle(b))
}

func signedMessage(encoded []byte) []byte {
	message := make([]byte, 0, len(bundleContext)+SignedSize)
	message = append(message, bundleContext...)
	return append(message, encoded[:SignedSize]...)
}

// signBundle fills in the signature.
func signBundle(identity *IdentityKey, bundle *PrekeyBundle) {
	encoded := EncodeBundle(bundle)
	copy(bundle.Signature[:], identity.Sign(signedMessage(encoded)))
}

// VerifyBundle decodes data and checks it against the signer's
// identity key at time now.
func VerifyBundle(data []byte, signer ed25519.PublicKey, now time.Time) (*PrekeyBundle, error) {
	if len(data) != BundleSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedBundle, len(data), BundleSize)
	}
	if len(signer) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: identity key is %d bytes", ErrBadSignature, len(signer))
	}
	if !ed25519.Verify(signer, signedMessage(data), data[offsetSignature:]) {
		return nil, ErrBadSignature
	}
	bundle, err := DecodeBundle(data)
	if err != nil {
		return nil, err
	}
	if bundle.Version != version.ProtocolVersion {
		return nil, fmt.Errorf("%w: protocol version %d, want %d", ErrMalformedBundle, bundle.Version, version.ProtocolVersion)
	}
	if bundle.Created.After(bundle.Expires) {
		return nil, fmt.Errorf("%w: created %s after expiry %s", ErrMalformedBundle, bundle.Created, bundle.Expires)
	}
	if !now.Before(bundle.Expires) {
		return nil, fmt.Errorf("%w: expired %s", ErrExpiredBundle, bundle.Expires.Format(time.RFC3339))
	}
	if err := kex.ValidateKEMPublic(bundle.KEMPublic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	return bundle, nil
}
