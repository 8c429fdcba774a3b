// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/tallow/identity"
)

// Stage names where a handshake failed.
type Stage string

const (
	StageInit      Stage = "init"
	StageBundle    Stage = "bundle"
	StagePrekey    Stage = "prekey"
	StageAgreement Stage = "agreement"
	StageResponse  Stage = "response"
	StageConfirm   Stage = "confirm"
	StageTransport Stage = "transport"
)

// AuthenticationError means the peer could not be authenticated: a bad
// bundle signature, an unknown or retired prekey, an unexpected
// identity, or a key-confirmation mismatch. It is terminal for the
// attempt.
type AuthenticationError struct {
	Stage Stage
	// Peer is the short fingerprint of the peer identity, if known.
	Peer string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("handshake %s: authentication failed for peer %s: %v", e.Stage, peerOrUnknown(e.Peer), e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ExpiredBundleError means the peer's prekey bundle is past its expiry.
type ExpiredBundleError struct {
	Stage   Stage
	Peer    string
	Expires time.Time
	Err     error
}

func (e *ExpiredBundleError) Error() string {
	return fmt.Sprintf("handshake %s: prekey bundle of peer %s expired at %s", e.Stage, peerOrUnknown(e.Peer), e.Expires.Format(time.RFC3339))
}

func (e *ExpiredBundleError) Unwrap() error { return e.Err }

// MalformedBundleError means a bundle or handshake message is
// structurally invalid.
type MalformedBundleError struct {
	Stage Stage
	Peer  string
	Err   error
}

func (e *MalformedBundleError) Error() string {
	return fmt.Sprintf("handshake %s: malformed input from peer %s: %v", e.Stage, peerOrUnknown(e.Peer), e.Err)
}

func (e *MalformedBundleError) Unwrap() error { return e.Err }

func peerOrUnknown(peer string) string {
	if peer == "" {
		return "(unknown)"
	}
	return peer
}

// bundleError maps an identity verification failure to the handshake
// taxonomy.
func bundleError(stage Stage, peer string, data []byte, err error) error {
	switch {
	case errors.Is(err, identity.ErrBadSignature):
		return &AuthenticationError{Stage: stage, Peer: peer, Err: err}
	case errors.Is(err, identity.ErrExpiredBundle):
		expired := &ExpiredBundleError{Stage: stage, Peer: peer, Err: err}
		if bundle, decodeErr := identity.DecodeBundle(data); decodeErr == nil {
			expired.Expires = bundle.Expires
		}
		return expired
	default:
		return &MalformedBundleError{Stage: stage, Peer: peer, Err: err}
	}
}
