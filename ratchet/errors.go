// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrAuthentication means the message did not authenticate under
	// the derived key. No state changed.
	ErrAuthentication = errors.New("ratchet: message authentication failed")

	// ErrMalformedHeader means the header could not be parsed.
	ErrMalformedHeader = errors.New("ratchet: malformed header")

	// ErrTooManySkipped means a message is further ahead of its chain
	// than MaxSkip allows.
	ErrTooManySkipped = errors.New("ratchet: message too far ahead of chain")

	// ErrStaleKey means a receive key was derived against state that
	// changed before it was used. Derive it again.
	ErrStaleKey = errors.New("ratchet: receive key is stale")

	// ErrChainExhausted means the sending chain counter would wrap and
	// no asymmetric step is possible yet.
	ErrChainExhausted = errors.New("ratchet: sending chain exhausted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ratchet: state closed")
)

// ReplayOrExpiredKeyError reports a message whose key was already
// consumed or was evicted from the skipped-key cache. It affects only
// that message.
type ReplayOrExpiredKeyError struct {
	// Chain is a short prefix of the sender's ratchet public key.
	Chain   string
	Counter uint32
}

func (e *ReplayOrExpiredKeyError) Error() string {
	return fmt.Sprintf("ratchet: key for chain %s counter %d already used or expired", e.Chain, e.Counter)
}

func replayError(dh [32]byte, counter uint32) error {
	return &ReplayOrExpiredKeyError{Chain: chainID(dh), Counter: counter}
}

func chainID(dh [32]byte) string {
	return hex.EncodeToString(dh[:4])
}
