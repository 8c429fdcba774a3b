// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is tallow's single CBOR configuration.
//
// Control-plane structures go through this package: candidate
// descriptors, signaling envelopes, transfer control messages and
// manifests, resume snapshots, and the identity store file. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so equal
// values always produce equal bytes and can be hashed or signed.
//
// Fixed-layout binary formats (prekey bundles, handshake messages, the
// relay hello, chunk frames) are not CBOR; they are encoded by hand in
// their own packages so every offset is pinned.
//
// Stream protocols exchange CBOR items inside length-prefixed frames
// (WriteFrame, ReadFrame) so a reader can bound the allocation before
// decoding:
//
//	err := codec.WriteFrame(conn, message)
//	err = codec.ReadFrame(conn, &message, codec.DefaultMaxFrame)
package codec
