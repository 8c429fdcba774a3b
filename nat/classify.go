// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"fmt"
	"net/netip"
	"time"
)

// Classification is the inferred NAT behaviour of a network attachment.
type Classification uint8

const (
	// Unknown means not yet classified, or invalidated.
	Unknown Classification = iota
	// Open covers no NAT and full-cone NAT.
	Open
	AddressRestricted
	PortRestricted
	Symmetric
	// Blocked means no observer answered.
	Blocked
)

var classificationNames = [...]string{
	Unknown:           "unknown",
	Open:              "open",
	AddressRestricted: "address-restricted",
	PortRestricted:    "port-restricted",
	Symmetric:         "symmetric",
	Blocked:           "blocked",
}

func (c Classification) String() string {
	if int(c) < len(classificationNames) {
		return classificationNames[c]
	}
	return fmt.Sprintf("classification(%d)", uint8(c))
}

// Cone reports whether the mapping is endpoint-independent.
func (c Classification) Cone() bool {
	return c == Open || c == AddressRestricted || c == PortRestricted
}

// MarshalText encodes the classification by name.
func (c Classification) MarshalText() ([]byte, error) {
	if int(c) >= len(classificationNames) {
		return nil, fmt.Errorf("nat: invalid classification %d", uint8(c))
	}
	return []byte(classificationNames[c]), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (c *Classification) UnmarshalText(text []byte) error {
	parsed, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClassification is the inverse of String.
func ParseClassification(name string) (Classification, error) {
	for index, candidate := range classificationNames {
		if candidate == name {
			return Classification(index), nil
		}
	}
	return Unknown, fmt.Errorf("nat: unknown classification %q", name)
}

// Observation is one observer's view of the probe socket.
type Observation struct {
	Observer string
	// Server is the resolved observer address; invalid if resolution
	// failed.
	Server netip.AddrPort
	// Mapped is the reflexive address the observer saw; invalid when it
	// did not answer.
	Mapped netip.AddrPort
	RTT    time.Duration
}

// Responded reports whether the observer answered.
func (o Observation) Responded() bool { return o.Mapped.IsValid() }

// Filtering holds the RFC 5780 filtering test outcomes.
type Filtering struct {
	Tested bool
	// OtherAddress: an answer arrived from a different IP and port
	// after asking the observer to change both.
	OtherAddress bool
	// OtherPort: an answer arrived from the same IP, different port.
	OtherPort bool
}

// ProbeResults is everything Classify needs.
type ProbeResults struct {
	// Local holds the probe socket's own addresses.
	Local        []netip.AddrPort
	Observations []Observation
	Filtering    Filtering
}

// Mapped returns the distinct reflexive addresses in observer order.
func (r ProbeResults) Mapped() []netip.AddrPort {
	var mapped []netip.AddrPort
	seen := make(map[netip.AddrPort]bool)
	for _, observation := range r.Observations {
		if observation.Responded() && !seen[observation.Mapped] {
			seen[observation.Mapped] = true
			mapped = append(mapped, observation.Mapped)
		}
	}
	return mapped
}

// Classify infers the NAT behaviour from probe results.
func Classify(results ProbeResults) Classification {
	mapped := results.Mapped()
	switch {
	case len(mapped) == 0:
		return Blocked
	case len(mapped) > 1:
		return Symmetric
	}
	for _, local := range results.Local {
		if local == mapped[0] {
			return Open
		}
	}
	switch {
	case results.Filtering.OtherAddress:
		return Open
	case results.Filtering.OtherPort:
		return AddressRestricted
	default:
		return PortRestricted
	}
}
