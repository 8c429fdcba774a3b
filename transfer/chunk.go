// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/lib/compress"
	"github.com/bureau-foundation/tallow/lib/digest"
)

// Chunk header layout, sent as the record header and therefore bound
// into the record's AEAD tag:
//
//	seq:8 | offset:8 | length:4 | codec:1 | digest:32
//
// length is the plaintext length; the record body is the payload after
// compression with codec. digest is the BLAKE3 chunk digest of the
// plaintext.
const (
	ChunkHeaderSize = 8 + 8 + 4 + 1 + digest.Size

	// MaxChunkSize is the largest plaintext chunk. A compressed
	// payload is never larger than its plaintext, so every chunk fits
	// one channel record.
	MaxChunkSize = channel.MaxBodySize
)

// ChunkHeader describes one chunk.
type ChunkHeader struct {
	Sequence uint64
	Offset   int64
	Length   uint32
	Codec    compress.Codec
	Digest   digest.Hash
}

// Encode returns the fixed-size header.
func (h ChunkHeader) Encode() []byte {
	out := make([]byte, ChunkHeaderSize)
	binary.BigEndian.PutUint64(out[0:8], h.Sequence)
	binary.BigEndian.PutUint64(out[8:16], uint64(h.Offset))
	binary.BigEndian.PutUint32(out[16:20], h.Length)
	out[20] = byte(h.Codec)
	copy(out[21:], h.Digest[:])
	return out
}

// ErrMalformedChunk means a chunk header failed structural checks.
var ErrMalformedChunk = errors.New("transfer: malformed chunk header")

// DecodeChunkHeader parses and bounds-checks a header. maxLength is the
// largest plaintext length the receiver will allocate.
func DecodeChunkHeader(data []byte, maxLength int) (ChunkHeader, error) {
	var h ChunkHeader
	if len(data) != ChunkHeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrMalformedChunk, len(data))
	}
	h.Sequence = binary.BigEndian.Uint64(data[0:8])
	offset := binary.BigEndian.Uint64(data[8:16])
	if offset > 1<<62 {
		return h, fmt.Errorf("%w: offset %d", ErrMalformedChunk, offset)
	}
	h.Offset = int64(offset)
	h.Length = binary.BigEndian.Uint32(data[16:20])
	if h.Length == 0 || int(h.Length) > maxLength {
		return h, fmt.Errorf("%w: length %d", ErrMalformedChunk, h.Length)
	}
	h.Codec = compress.Codec(data[20])
	if !h.Codec.Valid() {
		return h, fmt.Errorf("%w: codec %d", ErrMalformedChunk, data[20])
	}
	copy(h.Digest[:], data[21:])
	return h, nil
}

// End is the offset just past the chunk.
func (h ChunkHeader) End() int64 { return h.Offset + int64(h.Length) }

// EncodeChunk digests and compresses plaintext. The returned header and
// payload are passed to Channel.Send as one record.
func EncodeChunk(sequence uint64, offset int64, plaintext []byte, compression Compression) (ChunkHeader, []byte, error) {
	if len(plaintext) == 0 || len(plaintext) > MaxChunkSize {
		return ChunkHeader{}, nil, fmt.Errorf("transfer: chunk of %d bytes", len(plaintext))
	}
	header := ChunkHeader{
		Sequence: sequence,
		Offset:   offset,
		Length:   uint32(len(plaintext)),
		Digest:   digest.Sum(digest.Chunk, plaintext),
	}
	var (
		payload []byte
		err     error
	)
	if compression.Fixed {
		header.Codec = compression.Codec
		payload, err = compress.Compress(plaintext, compression.Codec)
		if errors.Is(err, compress.ErrIncompressible) {
			payload, header.Codec, err = plaintext, compress.None, nil
		}
	} else {
		payload, header.Codec, err = compress.Auto(plaintext)
	}
	if err != nil {
		return ChunkHeader{}, nil, fmt.Errorf("transfer: compressing chunk %d: %w", sequence, err)
	}
	return header, payload, nil
}

// DecodeChunk decompresses payload and checks it against the header's
// digest. Any failure is a ChunkIntegrityError.
func DecodeChunk(header ChunkHeader, payload []byte) ([]byte, error) {
	if len(payload) > int(header.Length) {
		return nil, &ChunkIntegrityError{
			Sequence: header.Sequence, Offset: header.Offset, Length: header.Length,
			Err: fmt.Errorf("payload of %d bytes exceeds declared length", len(payload)),
		}
	}
	plaintext, err := compress.Decompress(payload, header.Codec, int(header.Length))
	if err != nil {
		return nil, &ChunkIntegrityError{
			Sequence: header.Sequence, Offset: header.Offset, Length: header.Length, Err: err,
		}
	}
	if digest.Sum(digest.Chunk, plaintext) != header.Digest {
		return nil, &ChunkIntegrityError{
			Sequence: header.Sequence, Offset: header.Offset, Length: header.Length, Err: errDigestMismatch,
		}
	}
	return plaintext, nil
}

var errDigestMismatch = errors.New("content digest mismatch")

// ChunkIntegrityError reports a chunk whose payload did not decompress
// or did not match its digest. The receiver asks for it again; after
// MaxIntegrityRetries the transfer fails with this error.
type ChunkIntegrityError struct {
	Sequence uint64
	Offset   int64
	Length   uint32
	// Attempts is set once the retry budget is spent.
	Attempts int
	Err      error
}

func (e *ChunkIntegrityError) Error() string {
	message := fmt.Sprintf("transfer: chunk %d (offset %d, %d bytes) failed integrity check", e.Sequence, e.Offset, e.Length)
	if e.Attempts > 0 {
		message += fmt.Sprintf(" %d times", e.Attempts)
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *ChunkIntegrityError) Unwrap() error { return e.Err }

// OutOfWindowError reports a chunk outside the range the receiver will
// accept. The chunk is dropped; the transfer continues.
type OutOfWindowError struct {
	Sequence  uint64
	Offset    int64
	Length    uint32
	Watermark int64
	Limit     int64
}

func (e *OutOfWindowError) Error() string {
	return fmt.Sprintf("transfer: chunk %d [%d, %d) outside window [%d, %d)",
		e.Sequence, e.Offset, e.Offset+int64(e.Length), e.Watermark, e.Limit)
}
