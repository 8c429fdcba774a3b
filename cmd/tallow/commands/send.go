// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/tallow/cmd/tallow/cli"
	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/session"
	"github.com/bureau-foundation/tallow/transfer"
)

type sendParams struct {
	ConfigFlags
	signalParams
	Peer  string `flag:"peer" desc:"hex identity key the receiver must present"`
	Quiet bool   `flag:"quiet,q" desc:"suppress the progress line"`
}

func sendCommand() *cli.Command {
	var params sendParams
	return &cli.Command{
		Name:    "send",
		Summary: "Send a file to a peer",
		Description: `Send one file to a peer running 'tallow receive'.

The peers meet through a rendezvous code printed by the receiver, then
pick a direct or relayed path from their NAT types and past outcomes.
Compare the short authentication string with the receiver before
trusting the transfer. An interrupted transfer resumes where it stopped
when the same file is sent again.`,
		Usage:  "tallow send <file> [flags]",
		Params: func() any { return &params },
		Examples: []cli.Example{
			{
				Description: "Send using the code the receiver printed",
				Command:     "tallow send report.pdf --code 6f1c2a4e-8d0b-4c57-9a63-2f14b9e0d7c1",
			},
			{
				Description: "Send to a receiver listening on the LAN, pinning its identity",
				Command:     "tallow send disk.img --signal-connect 192.168.1.20:7900 --peer 3b6a27bc...",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return errors.New("usage: tallow send <file> [flags]")
			}
			return runSend(ctx, args[0], params, logger)
		},
	}
}

func runSend(ctx context.Context, path string, params sendParams, logger *slog.Logger) error {
	peer, err := parsePeer(params.Peer)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}

	cfg, err := params.ConfigFlags.Load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	transferConfig, err := rt.transferConfig()
	if err != nil {
		return err
	}

	printer := cli.NewPrinter(os.Stderr)
	signaler, err := openSignaler(ctx, rt, params.signalParams, handshake.Initiator, printer)
	if err != nil {
		return err
	}
	rt.refreshRelayHealth(ctx)
	connected, err := session.Connect(ctx, signaler, rt.sessionConfig(handshake.Initiator, peer))
	signaler.Close()
	if err != nil {
		return err
	}
	defer connected.Close()
	printer.SAS(connected.SAS)
	printer.Printf("%s\n", printer.Faint(fmt.Sprintf("path %s, peer %s", connected.Path, peerFingerprint(connected.Peer))))

	sender := transfer.NewSender(connected.Channel, transferConfig, rt.clock, logger)
	start := rt.clock.Now()
	for event, err := range sender.Send(ctx, file, transfer.SendOptions{}) {
		if err != nil {
			if !params.Quiet {
				printer.Done()
			}
			return err
		}
		if !params.Quiet {
			printer.Progress(event.Progress.BytesAcked, info.Size(), rt.clock.Now().Sub(start))
		}
	}
	if !params.Quiet {
		printer.Done()
	}

	state := sender.State()
	printer.Success("sent %s (%s) over %s", info.Name(), humanize.IBytes(uint64(info.Size())), connected.Path)
	logger.Info("transfer complete",
		"file_id", state.FileID,
		"bytes_sent", state.Progress.BytesSent,
		"retransmits", state.Progress.Retransmits,
		"elapsed", rt.clock.Now().Sub(start),
	)
	return nil
}
