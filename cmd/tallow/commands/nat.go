// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"text/tabwriter"

	"github.com/bureau-foundation/tallow/cmd/tallow/cli"
	"github.com/bureau-foundation/tallow/nat"
)

type natParams struct {
	ConfigFlags
	Port uint64 `flag:"port" desc:"port advertised on host candidates"`
}

func natCommand() *cli.Command {
	var params natParams
	return &cli.Command{
		Name:    "nat",
		Summary: "Classify this network's NAT and list candidates",
		Description: `Probe the configured STUN observers, classify the NAT in front of this
machine, and list the candidates a session would advertise.`,
		Params: func() any { return &params },
		Run: func(ctx context.Context, _ []string, logger *slog.Logger) error {
			if params.Port > 0xffff {
				return fmt.Errorf("--port %d out of range", params.Port)
			}
			cfg, err := params.ConfigFlags.Load()
			if err != nil {
				return err
			}
			classifier := nat.NewClassifier(nat.NewProber(nat.ProberConfigFrom(cfg.NAT), logger), logger)
			class, results, err := classifier.Classify(ctx)
			if err != nil {
				return err
			}

			var relays []netip.AddrPort
			for _, endpoint := range cfg.Relays {
				if address, err := netip.ParseAddrPort(endpoint.Address); err == nil {
					relays = append(relays, address)
				}
			}
			gatherer := nat.NewGatherer(classifier, nat.GathererConfig{Relays: relays}, logger)
			candidates, _, err := gatherer.Gather(ctx, uint16(params.Port))
			if err != nil {
				return err
			}

			printer := cli.NewPrinter(os.Stdout)
			printer.Printf("NAT  %s\n\n", class)
			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(writer, "OBSERVER\tMAPPED\tRTT")
			for _, observation := range results.Observations {
				mapped := "-"
				if observation.Responded() {
					mapped = observation.Mapped.String()
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\n", observation.Observer, mapped, observation.RTT)
			}
			fmt.Fprintln(writer)
			fmt.Fprintln(writer, "CANDIDATE\tKIND\tPRIORITY")
			for _, candidate := range candidates {
				fmt.Fprintf(writer, "%s\t%s\t%d\n", candidate.Address, candidate.Kind, candidate.Priority)
			}
			return writer.Flush()
		},
	}
}
