// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"cmp"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/bureau-foundation/tallow/lib/codec"
)

// Kind is a candidate type.
type Kind uint8

const (
	Host Kind = iota
	Reflexive
	Relayed
)

var kindNames = [...]string{Host: "host", Reflexive: "srflx", Relayed: "relay"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText encodes the kind by its ICE name.
func (k Kind) MarshalText() ([]byte, error) {
	if int(k) >= len(kindNames) {
		return nil, fmt.Errorf("nat: invalid candidate kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText parses an ICE candidate type name.
func (k *Kind) UnmarshalText(text []byte) error {
	for index, name := range kindNames {
		if name == string(text) {
			*k = Kind(index)
			return nil
		}
	}
	return fmt.Errorf("nat: unknown candidate kind %q", text)
}

// typePreference follows RFC 8445 §5.1.2.2.
func (k Kind) typePreference() uint32 {
	switch k {
	case Host:
		return 126
	case Reflexive:
		return 100
	default:
		return 0
	}
}

// Candidate is an address a peer may try to reach us on.
type Candidate struct {
	Address  netip.AddrPort `cbor:"addr"`
	Kind     Kind           `cbor:"kind"`
	Priority uint32         `cbor:"prio"`
	RTT      time.Duration  `cbor:"rtt"`
}

// Priority computes an RFC 8445 candidate priority for component 1.
// localPreference orders candidates of the same kind.
func Priority(kind Kind, localPreference uint16) uint32 {
	return kind.typePreference()<<24 | uint32(localPreference)<<8 | (256 - 1)
}

// MaxCandidates bounds a decoded descriptor.
const MaxCandidates = 32

// AddressPolicy decides which candidate addresses are acceptable.
type AddressPolicy struct {
	// AllowLoopback admits 127.0.0.0/8 and ::1, for same-host use.
	AllowLoopback bool
}

var (
	ErrInvalidAddress = errors.New("nat: invalid candidate address")
	ErrTooManyEntries = errors.New("nat: too many candidates")
	ipv4BroadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})
)

// Validate rejects addresses no peer could usefully dial: unspecified,
// multicast, link-local, broadcast, port zero, and loopback unless the
// policy allows it.
func (p AddressPolicy) Validate(addr netip.AddrPort) error {
	ip := addr.Addr()
	switch {
	case !addr.IsValid():
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	case addr.Port() == 0:
		return fmt.Errorf("%w: %s has port 0", ErrInvalidAddress, addr)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: %s is unspecified", ErrInvalidAddress, addr)
	case ip.IsMulticast():
		return fmt.Errorf("%w: %s is multicast", ErrInvalidAddress, addr)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("%w: %s is link-local", ErrInvalidAddress, addr)
	case ip.Unmap() == ipv4BroadcastAddr:
		return fmt.Errorf("%w: %s is broadcast", ErrInvalidAddress, addr)
	case ip.IsLoopback() && !p.AllowLoopback:
		return fmt.Errorf("%w: %s is loopback", ErrInvalidAddress, addr)
	}
	return nil
}

// EncodeCandidates validates and encodes a candidate descriptor.
func EncodeCandidates(candidates []Candidate, policy AddressPolicy) ([]byte, error) {
	if len(candidates) > MaxCandidates {
		return nil, fmt.Errorf("%w: %d", ErrTooManyEntries, len(candidates))
	}
	for _, candidate := range candidates {
		if err := policy.Validate(candidate.Address); err != nil {
			return nil, err
		}
	}
	return codec.Marshal(candidates)
}

// DecodeCandidates parses a descriptor from a peer and returns the
// candidates sorted by descending priority. Invalid addresses are an
// error for the whole descriptor.
func DecodeCandidates(data []byte, policy AddressPolicy) ([]Candidate, error) {
	var candidates []Candidate
	if err := codec.Unmarshal(data, &candidates); err != nil {
		return nil, fmt.Errorf("nat: decoding candidates: %w", err)
	}
	if len(candidates) > MaxCandidates {
		return nil, fmt.Errorf("%w: %d", ErrTooManyEntries, len(candidates))
	}
	for _, candidate := range candidates {
		if err := policy.Validate(candidate.Address); err != nil {
			return nil, err
		}
	}
	SortCandidates(candidates)
	return candidates, nil
}

// SortCandidates orders by descending priority, then address for
// stability.
func SortCandidates(candidates []Candidate) {
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.Address.Compare(b.Address)
	})
}
