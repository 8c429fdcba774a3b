// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "fmt"

// PathKind names the transport under a stream.
type PathKind uint8

const (
	PathDirect PathKind = iota + 1
	PathRelay
)

func (k PathKind) String() string {
	switch k {
	case PathDirect:
		return "direct"
	case PathRelay:
		return "relay"
	default:
		return fmt.Sprintf("path(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k PathKind) MarshalText() ([]byte, error) {
	if k != PathDirect && k != PathRelay {
		return nil, fmt.Errorf("channel: invalid path kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PathKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "direct":
		*k = PathDirect
	case "relay":
		*k = PathRelay
	default:
		return fmt.Errorf("channel: unknown path kind %q", text)
	}
	return nil
}
