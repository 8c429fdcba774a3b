// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratchet derives per-message keys for an established session.
//
// Every message advances a symmetric chain (HKDF-SHA256), so each key
// is used once and old chain keys are wiped. On a sparse schedule the
// sender also performs an asymmetric step: a fresh X25519 ratchet key
// mixed into the root chain, and periodically an ML-KEM-768
// encapsulation to the peer's announced key mixed in alongside it.
// Asymmetric steps alternate between the two parties; the initiator
// takes the first one.
//
// A message header carries the sender's ratchet public key, its
// position in the chain, and the length of its previous chain, which
// is enough for the receiver to cache keys for messages that arrive
// out of order. The header is authenticated as associated data.
//
// Receiving is staged: a message is fully verified before any state
// changes, so a forged or corrupted message leaves the session intact.
// A message whose key was already used or has been evicted from the
// skipped-key cache fails with ReplayOrExpiredKeyError; the session
// carries on.
package ratchet
