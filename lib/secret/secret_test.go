// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewIsZeroed(t *testing.T) {
	buffer, err := New(64)
	if err != nil {
		t.Fatalf("New(64): %v", err)
	}
	defer buffer.Close()

	if got := buffer.Len(); got != 64 {
		t.Errorf("Len() = %d, want 64", got)
	}
	if !bytes.Equal(buffer.Bytes(), make([]byte, 64)) {
		t.Error("fresh buffer is not zeroed")
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("root key material")
	want := string(source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if got := string(buffer.Bytes()); got != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
	if !bytes.Equal(source, make([]byte, len(source))) {
		t.Error("source slice was not zeroed")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	buffer, err := NewFromBytes([]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	clone, err := buffer.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	buffer.Close()

	if got := clone.Bytes(); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("clone after original Close = %v, want [1 2 3 4]", got)
	}
	clone.Close()
}

func TestCloseIsIdempotentAndPoisons(t *testing.T) {
	buffer, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestZero(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}
	Zero(a, b, nil)
	if !bytes.Equal(a, []byte{0, 0, 0}) || !bytes.Equal(b, []byte{0, 0}) {
		t.Errorf("Zero left %v %v", a, b)
	}
}
