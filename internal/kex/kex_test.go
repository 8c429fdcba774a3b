// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kex

import (
	"errors"
	"testing"
)

func TestDHAgrees(t *testing.T) {
	alice, err := NewX25519()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewX25519()
	if err != nil {
		t.Fatal(err)
	}
	ab, err := DH(alice.Private, bob.Public)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := DH(bob.Private, alice.Public)
	if err != nil {
		t.Fatal(err)
	}
	if ab != ba {
		t.Error("X25519 agreements differ")
	}
}

func TestDHRejectsLowOrder(t *testing.T) {
	alice, _ := NewX25519()
	var zero [X25519Size]byte
	if _, err := DH(alice.Private, zero); !errors.Is(err, ErrLowOrderPoint) {
		t.Errorf("DH with zero point = %v, want ErrLowOrderPoint", err)
	}
}

func TestKEMRoundTrip(t *testing.T) {
	pair, err := NewKEM()
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, sent, err := Encapsulate(pair.Public[:])
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	received, err := pair.Decapsulate(ciphertext[:])
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if sent != received {
		t.Error("KEM shared secrets differ")
	}

	rebuilt, err := KEMFromSeed(pair.Seed[:])
	if err != nil {
		t.Fatal(err)
	}
	if rebuilt.Public != pair.Public {
		t.Error("KEMFromSeed produced a different public key")
	}
}

func TestValidateKEMPublic(t *testing.T) {
	pair, _ := NewKEM()
	if err := ValidateKEMPublic(pair.Public[:]); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if err := ValidateKEMPublic(pair.Public[:100]); !errors.Is(err, ErrBadKEMKey) {
		t.Errorf("short key = %v, want ErrBadKEMKey", err)
	}
	bad := pair.Public
	for i := range 384 {
		bad[i] = 0xFF
	}
	if err := ValidateKEMPublic(bad[:]); !errors.Is(err, ErrBadKEMKey) {
		t.Errorf("unreduced key = %v, want ErrBadKEMKey", err)
	}
}

func TestDeriveSeparatesInfo(t *testing.T) {
	var a, b [32]byte
	Derive(a[:], []byte("ikm"), []byte("salt"), "one")
	Derive(b[:], []byte("ikm"), []byte("salt"), "two")
	if a == b {
		t.Error("different info strings derived the same key")
	}
}
