// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer moves one file over a secure channel with
// resumption.
//
// The sender offers a [Manifest] that fixes the file's identity. The
// receiver answers with the [Snapshot] of what it already holds, and
// the sender sends exactly the gaps. Each chunk carries its own digest
// and compression codec in the record header; the receiver writes
// verified chunks at their offsets, persists its snapshot and
// acknowledges. A chunk that fails verification is asked for again up
// to [Config.MaxIntegrityRetries] times.
//
// Flow control has two layers. Unacknowledged bytes are bounded by
// [Config.MaxInFlightBytes], and the sender pauses while the channel
// buffers more than [Config.HighWater]. The chunk size adapts to loss
// and round trip through a [Sizer].
//
// Both [Sender.Send] and [Receiver.Receive] return iterators, so the
// caller drives progress reporting and can stop a transfer by breaking
// out of the loop.
package transfer
