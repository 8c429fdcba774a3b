// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nat discovers how the local network translates addresses and
// describes the addresses a peer might reach us on.
//
// A Prober sends STUN Binding requests from one UDP socket to several
// observers at once. Classify turns the observed mappings into a
// Classification: if no observer answers the path is Blocked; if
// observers disagree about the mapping the NAT is Symmetric; otherwise
// the optional RFC 5780 filtering tests distinguish Open,
// AddressRestricted and PortRestricted. Classify is a pure function of
// its input.
//
// A Classifier caches one classification per network attachment (the
// set of interface addresses); a change in attachment invalidates it.
//
// A Gatherer turns interface addresses, probe results and configured
// relays into prioritized Candidates, and EncodeCandidates and
// DecodeCandidates carry them between peers as CBOR.
package nat
