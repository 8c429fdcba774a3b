// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/lib/codec"
)

// Record kinds on the channel. Control bodies are CBOR; chunks carry
// the chunk header as the record header and the payload as the body.
const (
	KindOffer channel.Kind = iota + 1
	KindAccept
	KindChunk
	KindAck
	KindNack
	KindDone
	KindAbort
)

// Offer opens a transfer. Resume is the sender's last known snapshot
// for this file, if any.
type Offer struct {
	FileID    string    `cbor:"fileId"`
	Name      string    `cbor:"name,omitempty"`
	Manifest  Manifest  `cbor:"manifest"`
	ChunkSize int       `cbor:"chunkSize"`
	Resume    *Snapshot `cbor:"resume,omitempty"`
}

// Accept answers an Offer with what the receiver already holds. The
// sender sends exactly the gaps of Have.
type Accept struct {
	FileID string   `cbor:"fileId"`
	Have   Snapshot `cbor:"have"`
}

// Ack confirms one chunk was verified and written.
type Ack struct {
	Sequence  uint64 `cbor:"seq"`
	Offset    int64  `cbor:"offset"`
	Length    uint32 `cbor:"length"`
	Watermark int64  `cbor:"watermark"`
}

// Nack asks for a chunk again after an integrity failure.
type Nack struct {
	Sequence uint64 `cbor:"seq"`
	Offset   int64  `cbor:"offset"`
	Length   uint32 `cbor:"length"`
	Reason   string `cbor:"reason,omitempty"`
}

// Done reports that the receiver has every byte and the manifest
// matched.
type Done struct {
	FileID string `cbor:"fileId"`
}

// Abort ends the transfer from either side.
type Abort struct {
	Reason string `cbor:"reason"`
}

// AbortedError is returned when the peer aborts.
type AbortedError struct {
	Reason string
}

func (e *AbortedError) Error() string {
	return "transfer: aborted by peer: " + e.Reason
}

func sendControl(ctx context.Context, ch channel.Channel, kind channel.Kind, message any) error {
	body, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("transfer: encoding kind %d: %w", kind, err)
	}
	return ch.Send(ctx, kind, nil, body)
}

func decodeControl(record channel.Record, message any) error {
	if err := codec.Unmarshal(record.Body, message); err != nil {
		return fmt.Errorf("transfer: decoding kind %d: %w", record.Kind, err)
	}
	return nil
}

// abort tells the peer why the transfer is ending. Errors are ignored:
// the channel may already be gone.
func abort(ch channel.Channel, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	sendControl(ctx, ch, KindAbort, Abort{Reason: reason.Error()})
}
