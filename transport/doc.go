// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport opens the raw byte streams used for the direct path
// between two tallow peers.
//
// [WebRTC] negotiates one PeerConnection per session with a single
// ordered, reliable data channel and returns it as a [DataChannelConn]:
// a net.Conn that also reports the SCTP buffered amount and fires a
// callback when it drains, so the secure channel above can apply
// backpressure without its own queue. ICE gathering is vanilla: all
// candidates are in the SDP before it is sent, so negotiation is one
// offer and one answer.
//
// Offers and answers travel through a [Signaler]. [MemorySignaler]
// connects two endpoints in one process for tests; [StreamSignaler]
// carries the same messages as length-prefixed CBOR frames over any
// byte stream, such as a relay-bridged rendezvous connection.
//
// [TCPListener] and [TCPDialer] cover peers that can reach each other's
// host candidates directly, typically on one LAN.
package transport
