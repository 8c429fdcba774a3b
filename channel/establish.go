// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/ratchet"
)

// EstablishParams configure Establish.
type EstablishParams struct {
	Engine    *handshake.Engine
	Handshake handshake.RunParams
	Ratchet   ratchet.Config
	Channel   Config
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Established is the result of Establish.
type Established struct {
	Channel *Secure

	// SAS is the short authentication string both peers can compare.
	SAS string
}

// Establish runs the handshake over stream and wraps it in a Secure
// channel keyed from the session secret. On error the stream is
// closed.
func Establish(ctx context.Context, stream Stream, params EstablishParams) (*Established, error) {
	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.Real()
	}

	session, err := params.Engine.Run(ctx, stream, params.Handshake)
	if err != nil {
		stream.Close()
		return nil, err
	}
	sas := session.SAS
	state, err := ratchet.New(session, params.Ratchet, clk, logger)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("channel: starting ratchet: %w", err)
	}
	logger.Info("secure channel established",
		"path", stream.Path().String(),
		"role", params.Handshake.Role.String(),
	)
	return &Established{
		Channel: NewSecure(stream, state, params.Channel, logger),
		SAS:     sas,
	}, nil
}
