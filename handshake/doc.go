// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake establishes a session root key between two devices
// with a hybrid X25519 + ML-KEM-768 agreement authenticated by signed
// prekey bundles.
//
// The initiator already holds the responder's bundle and identity key
// (obtained out of band). It sends one init message carrying its own
// identity and bundle, a fresh ephemeral X25519 key, and an ML-KEM
// ciphertext encapsulated to the responder's bundle. The responder
// answers with its own ephemeral key, a ciphertext encapsulated to the
// initiator's bundle, and a key-confirmation tag.
//
// Both sides then hold four X25519 shared secrets (prekey/prekey,
// ephemeral/prekey in both directions, ephemeral/ephemeral) and two
// ML-KEM shared secrets. The root key is HKDF-SHA256 over all six,
// salted with a BLAKE3 hash of the full transcript, so recovering it
// requires breaking both X25519 and ML-KEM. The transcript also yields
// a 12-digit short authentication string that users can compare.
//
// Every intermediate secret is wiped before the functions return, on
// success and on failure. A failed handshake returns no SessionSecret.
package handshake
