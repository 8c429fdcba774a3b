// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bureau-foundation/tallow/cmd/tallow/cli"
	"github.com/bureau-foundation/tallow/identity"
	"github.com/bureau-foundation/tallow/lib/clock"
)

type identityParams struct {
	ConfigFlags
}

func identityCommand() *cli.Command {
	return &cli.Command{
		Name:    "identity",
		Summary: "Manage this machine's identity key and prekeys",
		Description: `Manage the long-term Ed25519 identity and the signed prekey bundles
peers use to start a handshake.

The identity file is created on first use by any command that needs it.
Share the key printed by 'tallow identity show' with peers who want to
pin this machine with --peer.`,
		Subcommands: []*cli.Command{
			identityShowCommand(),
			identityRotateCommand(),
			identityBundleCommand(),
		},
	}
}

// withStore opens the configured identity store for one command and
// saves it afterwards.
func withStore(params identityParams, logger *slog.Logger, run func(*identity.Store, bool) error) error {
	cfg, err := params.ConfigFlags.Load()
	if err != nil {
		return err
	}
	store, created, err := identity.OpenStore(cfg.Paths.Identity, identity.StoreConfig{}, clock.Real(), logger)
	if err != nil {
		return fmt.Errorf("opening identity: %w", err)
	}
	defer store.Close()
	if err := run(store, created); err != nil {
		return err
	}
	return store.Save(cfg.Paths.Identity)
}

func identityShowCommand() *cli.Command {
	var params identityParams
	return &cli.Command{
		Name:    "show",
		Summary: "Print the identity key and current prekey bundle",
		Params:  func() any { return &params },
		Run: func(_ context.Context, _ []string, logger *slog.Logger) error {
			return withStore(params, logger, func(store *identity.Store, created bool) error {
				printer := cli.NewPrinter(os.Stdout)
				if created {
					printer.Success("created a new identity")
				}
				current, err := store.Current()
				if err != nil {
					return err
				}
				public := store.Identity().PublicKey()
				printer.Printf("identity     %s\n", hex.EncodeToString(public))
				printer.Printf("fingerprint  %s\n", store.Identity().Fingerprint())
				printer.Printf("prekey       %s\n", current.Fingerprint.Short())
				printer.Printf("created      %s\n", current.Bundle.Created.Format(time.RFC3339))
				printer.Printf("expires      %s\n", current.Bundle.Expires.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func identityRotateCommand() *cli.Command {
	var params identityParams
	return &cli.Command{
		Name:    "rotate",
		Summary: "Issue a new prekey bundle now",
		Description: `Issue a new signed prekey bundle and make it current.

Earlier bundles stay valid until they expire so handshakes already in
flight still complete; expired ones are pruned.`,
		Params: func() any { return &params },
		Run: func(_ context.Context, _ []string, logger *slog.Logger) error {
			return withStore(params, logger, func(store *identity.Store, _ bool) error {
				pair, err := store.Rotate()
				if err != nil {
					return err
				}
				pruned := store.Prune()
				cli.NewPrinter(os.Stdout).Success("rotated to prekey %s (%d expired pruned)", pair.Fingerprint.Short(), pruned)
				return nil
			})
		},
	}
}

func identityBundleCommand() *cli.Command {
	var params identityParams
	return &cli.Command{
		Name:    "bundle",
		Summary: "Print the current prekey bundle for out-of-band exchange",
		Params:  func() any { return &params },
		Run: func(_ context.Context, _ []string, logger *slog.Logger) error {
			return withStore(params, logger, func(store *identity.Store, _ bool) error {
				current, err := store.Current()
				if err != nil {
					return err
				}
				fmt.Println(base64.StdEncoding.EncodeToString(current.Encoded))
				return nil
			})
		},
	}
}

func peerFingerprint(public ed25519.PublicKey) string {
	return identity.IdentityFingerprint(public).Short()
}
