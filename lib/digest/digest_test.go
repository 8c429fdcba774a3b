// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"testing"
)

func TestDomainsSeparate(t *testing.T) {
	data := []byte("same bytes")
	if Sum(Chunk, data) == Sum(File, data) {
		t.Fatal("chunk and file domains produced the same digest")
	}
	if Sum(Chunk, data) != Sum(Chunk, data) {
		t.Fatal("Sum is not deterministic")
	}
}

func TestStreamingMatchesSum(t *testing.T) {
	hasher := New(Chunk)
	hasher.Write([]byte("hello "))
	hasher.Write([]byte("world"))
	if got, want := hasher.Sum(), Sum(Chunk, []byte("hello world")); got != want {
		t.Errorf("streaming = %s, want %s", got, want)
	}
}

func TestWriteFieldFraming(t *testing.T) {
	a := New(Transcript)
	a.WriteField([]byte("ab"))
	a.WriteField([]byte("c"))
	b := New(Transcript)
	b.WriteField([]byte("a"))
	b.WriteField([]byte("bc"))
	if a.Sum() == b.Sum() {
		t.Error("differently split fields hashed equal")
	}
}

func TestMerkleRoot(t *testing.T) {
	leaves := []Hash{Sum(Chunk, []byte("a")), Sum(Chunk, []byte("b")), Sum(Chunk, []byte("c"))}

	if got := MerkleRoot(Manifest, leaves[:1]); got != leaves[0] {
		t.Errorf("single-leaf root = %s, want the leaf", got)
	}

	// Three leaves: hash(a,b) then c is promoted and paired.
	hasher := New(Manifest)
	hasher.Write(append(leaves[0][:], leaves[1][:]...))
	ab := hasher.Sum()
	hasher.Reset()
	hasher.Write(append(ab[:], leaves[2][:]...))
	want := hasher.Sum()

	if got := MerkleRoot(Manifest, leaves); got != want {
		t.Errorf("three-leaf root = %s, want %s", got, want)
	}
	if leaves[0] != Sum(Chunk, []byte("a")) {
		t.Error("MerkleRoot mutated its input")
	}
}

func TestParseRoundTrip(t *testing.T) {
	hash := Sum(Fingerprint, []byte("bundle"))
	parsed, err := Parse(hash.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != hash {
		t.Errorf("Parse(String()) = %s, want %s", parsed, hash)
	}
	if _, err := Parse("abcd"); err == nil {
		t.Error("Parse of short hex succeeded")
	}
	if got := len(hash.Short()); got != 8 {
		t.Errorf("len(Short()) = %d, want 8", got)
	}
}
