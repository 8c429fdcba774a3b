// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	text := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 500))
	for _, codec := range []Codec{None, LZ4, Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			compressed, err := Compress(text, codec)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if codec != None && len(compressed) >= len(text) {
				t.Errorf("compressed size %d not smaller than %d", len(compressed), len(text))
			}
			restored, err := Decompress(compressed, codec, len(text))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(restored, text) {
				t.Error("round trip changed the data")
			}
		})
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	text := []byte(strings.Repeat("abc", 1000))
	for _, codec := range []Codec{LZ4, Zstd} {
		compressed, err := Compress(text, codec)
		if err != nil {
			t.Fatalf("Compress(%s): %v", codec, err)
		}
		if _, err := Decompress(compressed, codec, len(text)-1); err == nil {
			t.Errorf("Decompress(%s) with wrong size succeeded", codec)
		}
	}
}

func TestAutoFallsBackOnRandomData(t *testing.T) {
	random := make([]byte, 32<<10)
	rand.Read(random)

	if got := Select(random); got != None {
		t.Errorf("Select(random) = %s, want none", got)
	}
	out, codec, err := Auto(random)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if codec != None || !bytes.Equal(out, random) {
		t.Errorf("Auto(random) = %s with %d bytes, want none with input", codec, len(out))
	}
	if _, err := Compress(random, Zstd); !errors.Is(err, ErrIncompressible) {
		t.Errorf("Compress(random, zstd) = %v, want ErrIncompressible", err)
	}
}

func TestAutoPicksZstdForText(t *testing.T) {
	text := []byte(strings.Repeat(`{"chunk":1,"status":"ok"}`, 2000))
	_, codec, err := Auto(text)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if codec != Zstd {
		t.Errorf("Auto(json) codec = %s, want zstd", codec)
	}
}

func TestParseCodec(t *testing.T) {
	for _, codec := range []Codec{None, LZ4, Zstd} {
		parsed, err := ParseCodec(codec.String())
		if err != nil || parsed != codec {
			t.Errorf("ParseCodec(%q) = %v, %v", codec.String(), parsed, err)
		}
	}
	if _, err := ParseCodec("brotli"); err == nil {
		t.Error("ParseCodec(brotli) succeeded")
	}
	if Codec(9).Valid() {
		t.Error("Codec(9).Valid() = true")
	}
}
