// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/lib/compress"
	"github.com/bureau-foundation/tallow/lib/config"
)

const (
	DefaultMinChunkSize     = 16 << 10
	DefaultMaxChunkSize     = 1 << 20
	DefaultInitialChunkSize = 256 << 10
	DefaultMaxInFlightBytes = 8 << 20
	DefaultAckTimeout       = 10 * time.Second
	DefaultMaxRetries       = 3
)

// Compression selects how chunk payloads are compressed. The zero
// value picks a codec per chunk from a trial compression.
type Compression struct {
	// Fixed sends every chunk with Codec.
	Fixed bool
	Codec compress.Codec
}

// ParseCompression accepts "auto" or a codec name.
func ParseCompression(name string) (Compression, error) {
	if name == "" || name == "auto" {
		return Compression{}, nil
	}
	codec, err := compress.ParseCodec(name)
	if err != nil {
		return Compression{}, err
	}
	return Compression{Fixed: true, Codec: codec}, nil
}

// Config tunes both ends of a transfer.
type Config struct {
	MinChunkSize     int
	MaxChunkSize     int
	InitialChunkSize int

	// MaxInFlightBytes bounds unacknowledged chunk bytes.
	MaxInFlightBytes int64

	// HighWater pauses the sender while the channel buffers more than
	// this many bytes. The channel's low water mark resumes it.
	HighWater int

	// AckTimeout is how long a chunk may go unacknowledged before it
	// is sent again.
	AckTimeout time.Duration

	// MaxIntegrityRetries is how many times one chunk may fail its
	// integrity check before the transfer fails.
	MaxIntegrityRetries int

	Compression Compression
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// ConfigFrom maps the transfer section of the config file.
func ConfigFrom(c config.TransferConfig) (Config, error) {
	compression, err := ParseCompression(c.Compression)
	if err != nil {
		return Config{}, fmt.Errorf("transfer: %w", err)
	}
	return Config{
		MinChunkSize:        c.MinChunkSize,
		MaxChunkSize:        c.MaxChunkSize,
		InitialChunkSize:    c.InitialChunkSize,
		MaxInFlightBytes:    c.MaxInFlightBytes,
		HighWater:           c.HighWater,
		AckTimeout:          c.AckTimeout,
		MaxIntegrityRetries: c.MaxIntegrityRetries,
		Compression:         compression,
	}.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = DefaultMinChunkSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxChunkSize > MaxChunkSize {
		c.MaxChunkSize = MaxChunkSize
	}
	if c.MinChunkSize > c.MaxChunkSize {
		c.MinChunkSize = c.MaxChunkSize
	}
	if c.InitialChunkSize <= 0 {
		c.InitialChunkSize = DefaultInitialChunkSize
	}
	c.InitialChunkSize = min(max(c.InitialChunkSize, c.MinChunkSize), c.MaxChunkSize)
	if c.MaxInFlightBytes <= 0 {
		c.MaxInFlightBytes = DefaultMaxInFlightBytes
	}
	if c.HighWater <= 0 {
		c.HighWater = channel.DefaultHighWater
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxIntegrityRetries <= 0 {
		c.MaxIntegrityRetries = DefaultMaxRetries
	}
	if c.Compression.Fixed && !c.Compression.Codec.Valid() {
		c.Compression = Compression{}
	}
	return c
}

// receiveWindow bounds how far past the watermark a chunk may start.
func (c Config) receiveWindow() int64 {
	return 2*c.MaxInFlightBytes + int64(c.MaxChunkSize)
}
