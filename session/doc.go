// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session connects two peers end to end.
//
// [Connect] runs over any [transport.Signaler]. The responder sends a
// hello with its identity key, prekey bundle, NAT class and candidate
// descriptor. The initiator answers with its own hello carrying the
// plan from its [strategy.Selector]: the mode, the direct timeout, and
// the relay assignment with a credential minted for a fresh token.
//
// Both sides then probe the planned paths in a [strategy.Attempt]. The
// initiator commits the first path to open and marks it with a single
// byte; the responder commits whichever path carries that mark, so the
// two ends never disagree. The handshake and ratchet then run over the
// committed stream and the result is a [channel.Secure].
//
// Outcomes are recorded through the selector on both sides, feeding the
// per-NAT-pair history and the relay pool's health.
package session
