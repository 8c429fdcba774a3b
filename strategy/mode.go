// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/tallow/nat"
	"github.com/bureau-foundation/tallow/relay"
)

// Mode is the initial path preference.
type Mode uint8

const (
	// DirectFirst tries the direct path alone until DirectTimeout, then
	// the relay.
	DirectFirst Mode = iota + 1

	// RelayFirst starts the relay and a short direct probe together.
	RelayFirst

	// RelayOnly never tries the direct path.
	RelayOnly
)

var modeNames = map[Mode]string{
	DirectFirst: "direct-first",
	RelayFirst:  "relay-first",
	RelayOnly:   "relay-only",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode is the inverse of String.
func ParseMode(text string) (Mode, error) {
	for mode, name := range modeNames {
		if name == text {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("strategy: unknown mode %q", text)
}

// Pair is the NAT classification of both ends. History is keyed by it.
type Pair struct {
	Local  nat.Classification
	Remote nat.Classification
}

func (p Pair) String() string {
	return p.Local.String() + "/" + p.Remote.String()
}

// RelayEndpoint is one configured relay.
type RelayEndpoint struct {
	Address string
	Issuer  *relay.Issuer
}

// RelayAssignment is the relay chosen for one session with a credential
// minted for the session token.
type RelayAssignment struct {
	Endpoint   RelayEndpoint
	Credential relay.Credential
}

// Decision is the plan for one connection attempt.
type Decision struct {
	Pair Pair
	Mode Mode

	// DirectTimeout bounds the direct probe. The direct path is
	// abandoned, not retried, when it expires.
	DirectTimeout time.Duration

	// Relay is nil when no healthy relay is available.
	Relay *RelayAssignment

	// Confidence in [0,1] that Mode is the right first choice.
	Confidence float64

	// Explored is set when Mode was flipped for exploration rather
	// than chosen as the best known option.
	Explored bool
}
