// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the fallback path: a TCP server that pairs
// two clients presenting the same token and forwards bytes between
// them verbatim.
//
// A client opens a TCP connection and sends a fixed hello frame
// carrying its [Credential]: a 16-byte [Token], an expiry, and an
// HMAC-SHA256 over both under a secret shared by the relay operator and
// its users ([Issuer]). The server answers with one [Status] byte. For
// the first client of a token the answer waits until the second
// arrives (or [ServerConfig.WaitTimeout] passes); [StatusOK] means
// everything that follows on the connection comes from the peer.
//
// The relay never parses payload. The peers run the handshake and the
// ratchet over the bridged stream, so the relay sees only ciphertext
// and lengths. Sessions end on close from either side, an idle timeout,
// or a per-session byte limit. Hello admission is rate limited per
// source address with golang.org/x/time/rate.
//
// [Server] follows the Start/Addr/Stop/Wait lifecycle; [Client] dials
// and probes servers.
package relay
