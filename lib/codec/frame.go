// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrame bounds control frames. Chunk payloads never travel in
// control frames, so this is generous.
const DefaultMaxFrame = 1 << 20

// ErrFrameTooLarge is returned by ReadFrame when the length prefix
// exceeds the caller's limit. Nothing past the prefix has been read.
var ErrFrameTooLarge = errors.New("codec: frame exceeds size limit")

// WriteFrame encodes v and writes it behind a 4-byte big-endian length
// prefix in a single Write call.
func WriteFrame(w io.Writer, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: encoding frame: %w", err)
	}
	return WriteRawFrame(w, payload)
}

// WriteRawFrame writes payload behind a 4-byte length prefix.
func WriteRawFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > 0xFFFFFFFF {
		return ErrFrameTooLarge
	}
	buffer := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buffer, uint32(len(payload)))
	copy(buffer[4:], payload)
	_, err := w.Write(buffer)
	return err
}

// ReadFrame reads one frame no larger than limit and decodes it into v.
func ReadFrame(r io.Reader, v any, limit int) error {
	payload, err := ReadRawFrame(r, limit)
	if err != nil {
		return err
	}
	if err := Unmarshal(payload, v); err != nil {
		return fmt.Errorf("codec: decoding frame: %w", err)
	}
	return nil
}

// ReadRawFrame reads one length-prefixed payload no larger than limit.
// The length is checked before the payload is allocated.
func ReadRawFrame(r io.Reader, limit int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if uint64(length) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, limit)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
