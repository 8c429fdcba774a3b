// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity holds a device's long-term signing key and its
// rotating signed prekey bundles.
//
// An IdentityKey is an Ed25519 keypair created once per device. The
// Store issues PrekeyBundles (an X25519 key and an ML-KEM-768 key, both
// signed by the identity) and rotates them on a fixed interval. A
// rotated-out bundle is no longer offered by Current, but Lookup still
// finds its private half until the bundle expires, so a handshake that
// started against the old bundle completes.
//
// Bundles travel in a fixed binary layout (see EncodeBundle) so every
// field sits at a known offset and a verifier can check the size
// before looking at anything else. VerifyBundle checks, in order:
// exact length, signature, protocol version, created ≤ expires, expiry,
// and that the KEM key decodes. Because the signature covers every byte
// but itself, any single-byte change to a signed bundle fails at the
// signature step.
package identity
