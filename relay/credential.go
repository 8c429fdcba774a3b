// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tallow/lib/clock"
)

// Token names one relay session. Both peers present the same token and
// the server pairs their connections.
type Token [16]byte

// NewToken returns a random token.
func NewToken() Token {
	return Token(uuid.New())
}

// ParseToken accepts the canonical UUID form.
func ParseToken(text string) (Token, error) {
	parsed, err := uuid.Parse(text)
	if err != nil {
		return Token{}, fmt.Errorf("relay: parsing token: %w", err)
	}
	return Token(parsed), nil
}

func (t Token) String() string { return uuid.UUID(t).String() }

// IsZero reports whether t is unset.
func (t Token) IsZero() bool { return t == Token{} }

var (
	// ErrBadCredential is returned when a credential's MAC does not
	// verify under the relay secret.
	ErrBadCredential = errors.New("relay: credential does not verify")

	// ErrExpiredCredential is returned for a credential past its expiry.
	ErrExpiredCredential = errors.New("relay: credential expired")
)

// Credential authorizes one token until Expiry. The MAC is
// HMAC-SHA256 under the relay's shared secret.
type Credential struct {
	Token  Token
	Expiry time.Time
	MAC    [32]byte
}

const credentialContext = "tallow.relay.credential.v1"

// DefaultCredentialLifetime bounds how long a minted credential can be
// presented.
const DefaultCredentialLifetime = 10 * time.Minute

// Issuer mints and verifies credentials for one shared secret. Clients
// and the server hold the same secret.
type Issuer struct {
	secret []byte
	clock  clock.Clock
}

// NewIssuer copies secret. It must be at least 16 bytes.
func NewIssuer(secret []byte, clk clock.Clock) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("relay: secret is %d bytes, need at least 16", len(secret))
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Issuer{secret: append([]byte(nil), secret...), clock: clk}, nil
}

// Issue returns a credential for token valid for lifetime from now.
func (i *Issuer) Issue(token Token, lifetime time.Duration) Credential {
	if lifetime <= 0 {
		lifetime = DefaultCredentialLifetime
	}
	credential := Credential{
		Token:  token,
		Expiry: i.clock.Now().Add(lifetime).Truncate(time.Second),
	}
	copy(credential.MAC[:], i.mac(credential.Token, credential.Expiry))
	return credential
}

// Verify checks the MAC, then the expiry.
func (i *Issuer) Verify(credential Credential) error {
	expected := i.mac(credential.Token, credential.Expiry)
	if !hmac.Equal(expected, credential.MAC[:]) {
		return ErrBadCredential
	}
	if !i.clock.Now().Before(credential.Expiry) {
		return ErrExpiredCredential
	}
	return nil
}

func (i *Issuer) mac(token Token, expiry time.Time) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(credentialContext))
	mac.Write(token[:])
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(expiry.Unix()))
	mac.Write(stamp[:])
	return mac.Sum(nil)
}
