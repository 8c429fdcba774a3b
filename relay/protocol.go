// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/tallow/lib/version"
)

// Hello layout, sent once by each client before any payload:
//
//	magic "TLRY" | version:1 | token:16 | expiry:8 | mac:32
//
// expiry is Unix seconds, big-endian. A hello with a zero token and
// zero expiry is a liveness probe; the server answers StatusPong and
// closes.
const (
	magic     = "TLRY"
	HelloSize = len(magic) + 1 + 16 + 8 + 32
)

// Status is the server's one-byte answer to a hello.
type Status byte

const (
	// StatusOK means the peer has arrived; every following byte is
	// the peer's.
	StatusOK Status = iota
	StatusBadHello
	StatusBadCredential
	StatusExpired
	StatusRateLimited
	StatusTokenInUse
	StatusPeerTimeout
	StatusPong
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadHello:
		return "bad hello"
	case StatusBadCredential:
		return "bad credential"
	case StatusExpired:
		return "credential expired"
	case StatusRateLimited:
		return "rate limited"
	case StatusTokenInUse:
		return "token in use"
	case StatusPeerTimeout:
		return "peer did not arrive"
	case StatusPong:
		return "pong"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// StatusError is a refusal from the server.
type StatusError struct {
	Address string
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay %s refused: %s", e.Address, e.Status)
}

// Is maps credential refusals onto the Issuer's sentinels.
func (e *StatusError) Is(target error) bool {
	switch e.Status {
	case StatusBadCredential:
		return target == ErrBadCredential
	case StatusExpired:
		return target == ErrExpiredCredential
	}
	return false
}

// ErrMalformedHello is returned by DecodeHello.
var ErrMalformedHello = errors.New("relay: malformed hello")

// EncodeHello returns the hello frame for credential.
func EncodeHello(credential Credential) []byte {
	hello := make([]byte, 0, HelloSize)
	hello = append(hello, magic...)
	hello = append(hello, version.ProtocolVersion)
	hello = append(hello, credential.Token[:]...)
	var expiry int64
	if !credential.Expiry.IsZero() {
		expiry = credential.Expiry.Unix()
	}
	hello = binary.BigEndian.AppendUint64(hello, uint64(expiry))
	return append(hello, credential.MAC[:]...)
}

// DecodeHello parses a hello frame. It checks framing only; verify the
// credential with an Issuer.
func DecodeHello(data []byte) (Credential, error) {
	var credential Credential
	if len(data) != HelloSize {
		return credential, fmt.Errorf("%w: %d bytes", ErrMalformedHello, len(data))
	}
	if string(data[:4]) != magic {
		return credential, fmt.Errorf("%w: bad magic", ErrMalformedHello)
	}
	if data[4] != version.ProtocolVersion {
		return credential, fmt.Errorf("%w: version %d", ErrMalformedHello, data[4])
	}
	copy(credential.Token[:], data[5:21])
	if expiry := int64(binary.BigEndian.Uint64(data[21:29])); expiry != 0 {
		credential.Expiry = time.Unix(expiry, 0)
	}
	copy(credential.MAC[:], data[29:61])
	return credential, nil
}

func isProbe(credential Credential) bool {
	return credential.Token.IsZero() && credential.Expiry.IsZero()
}
