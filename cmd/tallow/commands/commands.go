// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the tallow command tree.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/tallow/cmd/tallow/cli"
	"github.com/bureau-foundation/tallow/lib/version"
)

// Root builds the complete command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "tallow",
		Description: `Tallow: end-to-end encrypted file transfer between two machines.

Peers authenticate with post-quantum hybrid keys, pick a direct or
relayed path based on their NAT types, and resume interrupted
transfers.`,
		Subcommands: []*cli.Command{
			sendCommand(),
			receiveCommand(),
			identityCommand(),
			natCommand(),
			statsCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string, _ *slog.Logger) error {
					fmt.Printf("tallow %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{Description: "Receive a file (prints a code for the sender)", Command: "tallow receive"},
			{Description: "Send a file with that code", Command: "tallow send photo.jpg --code <code>"},
			{Description: "Show this machine's identity key", Command: "tallow identity show"},
			{Description: "Check what kind of NAT you are behind", Command: "tallow nat"},
		},
	}
}
