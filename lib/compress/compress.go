// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress implements per-chunk compression for transfers.
//
// Chunks are compressed before encryption and the algorithm travels as
// a one-byte codec tag in the authenticated chunk header. Auto picks
// zstd for highly compressible content, LZ4 for moderately
// compressible content, and falls back to None whenever the output
// would not be smaller than the input.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the wire tag for a compression algorithm. Values are
// protocol constants.
type Codec uint8

const (
	None Codec = 0
	LZ4  Codec = 1
	Zstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Valid reports whether c is a known codec.
func (c Codec) Valid() bool { return c <= Zstd }

// ParseCodec is the inverse of String for known codecs.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression codec %q", name)
	}
}

// ErrIncompressible means the codec's output was not smaller than its
// input. Callers send the chunk uncompressed.
var ErrIncompressible = errors.New("compress: data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress encodes data with codec. None returns data itself.
func Compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case None:
		return data, nil
	case LZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, ErrIncompressible
		}
		return destination[:written], nil
	case Zstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, ErrIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression codec %d", codec)
	}
}

// Decompress reverses Compress. The output must be exactly size bytes;
// anything else is an error, so a peer cannot make the receiver
// allocate more than the declared chunk length.
func Decompress(compressed []byte, codec Codec, size int) ([]byte, error) {
	switch codec {
	case None:
		if len(compressed) != size {
			return nil, fmt.Errorf("uncompressed chunk is %d bytes, want %d", len(compressed), size)
		}
		return compressed, nil
	case LZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, want %d", read, size)
		}
		return destination, nil
	case Zstd:
		header := zstd.Header{}
		if err := header.Decode(compressed); err == nil && header.HasFCS && header.FrameContentSize != uint64(size) {
			return nil, fmt.Errorf("zstd frame declares %d bytes, want %d", header.FrameContentSize, size)
		}
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported compression codec %d", codec)
	}
}

// probeSize bounds how much of a chunk Select compresses to estimate
// the ratio.
const probeSize = 64 << 10

// Select estimates the best codec for data from a zstd trial of its
// first probeSize bytes: ratio ≥ 1.5 picks zstd, ≥ 1.1 picks LZ4,
// anything lower picks None.
func Select(data []byte) Codec {
	if len(data) == 0 {
		return None
	}
	sample := data
	if len(sample) > probeSize {
		sample = sample[:probeSize]
	}
	compressed := zstdEncoder.EncodeAll(sample, nil)
	ratio := float64(len(sample)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

// Auto compresses data with the codec Select chooses, falling back to
// None when the result would not shrink.
func Auto(data []byte) ([]byte, Codec, error) {
	codec := Select(data)
	compressed, err := Compress(data, codec)
	if errors.Is(err, ErrIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, codec, nil
}
