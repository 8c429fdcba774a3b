// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"time"

	"github.com/bureau-foundation/tallow/lib/config"
)

// Config is the re-key schedule and the skipped-key bounds.
type Config struct {
	// RekeyMessages and RekeyInterval trigger an X25519 step on the
	// next send once either is reached on the current sending chain.
	RekeyMessages int
	RekeyInterval time.Duration

	// PQRekeyMessages counts messages in both directions since the
	// last ML-KEM mix; PQRekeyInterval is wall time since then.
	PQRekeyMessages int
	PQRekeyInterval time.Duration

	// MaxSkip bounds how far ahead of the expected counter a single
	// message may be. A message further ahead fails with
	// ErrTooManySkipped and leaves the state as it was. On an ordered
	// stream every later message fails the same way, so losing more
	// than MaxSkip messages in a row ends the session.
	MaxSkip int

	// SkippedKeyLimit bounds the skipped-key cache. The oldest entry is
	// evicted first.
	SkippedKeyLimit int

	// PerMessage steps on every send where alternation allows it, and
	// mixes ML-KEM into every such step.
	PerMessage bool
}

// DefaultConfig is the sparse schedule.
func DefaultConfig() Config {
	return Config{
		RekeyMessages:   100,
		RekeyInterval:   time.Minute,
		PQRekeyMessages: 1000,
		PQRekeyInterval: 10 * time.Minute,
		MaxSkip:         1000,
		SkippedKeyLimit: 1000,
	}
}

// PerMessageConfig steps on every eligible send.
func PerMessageConfig() Config {
	c := DefaultConfig()
	c.PerMessage = true
	return c
}

// FromConfig converts the file configuration, filling zero fields from
// DefaultConfig.
func FromConfig(c config.RatchetConfig) Config {
	return Config{
		RekeyMessages:   c.RekeyMessages,
		RekeyInterval:   c.RekeyInterval,
		PQRekeyMessages: c.PQRekeyMessages,
		PQRekeyInterval: c.PQRekeyInterval,
		MaxSkip:         c.MaxSkip,
		SkippedKeyLimit: c.SkippedKeyLimit,
		PerMessage:      c.PerMessage,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RekeyMessages <= 0 && c.RekeyInterval <= 0 {
		c.RekeyMessages, c.RekeyInterval = d.RekeyMessages, d.RekeyInterval
	}
	if c.PQRekeyMessages <= 0 && c.PQRekeyInterval <= 0 {
		c.PQRekeyMessages, c.PQRekeyInterval = d.PQRekeyMessages, d.PQRekeyInterval
	}
	if c.MaxSkip <= 0 {
		c.MaxSkip = d.MaxSkip
	}
	if c.SkippedKeyLimit <= 0 {
		c.SkippedKeyLimit = d.SkippedKeyLimit
	}
	return c
}
