// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bureau-foundation/tallow/cmd/tallow/cli"
	"github.com/bureau-foundation/tallow/session"
)

type statsParams struct {
	ConfigFlags
	Probe bool `flag:"probe" desc:"probe every relay before reporting its health" default:"true"`
}

func statsCommand() *cli.Command {
	var params statsParams
	return &cli.Command{
		Name:    "stats",
		Summary: "Show learned path history and relay health",
		Description: `Print the per-NAT-pair connection history the path selector learns
from, and the health of each configured relay.`,
		Params: func() any { return &params },
		Run: func(ctx context.Context, _ []string, logger *slog.Logger) error {
			cfg, err := params.ConfigFlags.Load()
			if err != nil {
				return err
			}
			rt, err := openRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := rt.stats.Entries(ctx)
			if err != nil {
				return err
			}
			if params.Probe {
				if err := rt.pool.ProbeAll(ctx, session.RelayProbe(rt.client)); err != nil {
					return err
				}
			}

			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(writer, "PAIR\tMODE\tATTEMPTS\tSUCCESS\tDIRECT\tCONNECT\tUPDATED")
			for _, entry := range entries {
				history := entry.History
				fmt.Fprintf(writer, "%s\t%s\t%d\t%.0f%%\t%.0f%%\t%s\t%s\n",
					entry.Pair, entry.Mode, history.Attempts,
					history.SuccessRate*100, history.DirectRate*100,
					history.ConnectTime.Round(time.Millisecond), history.Updated.Format(time.DateTime))
			}
			fmt.Fprintln(writer)
			fmt.Fprintln(writer, "RELAY\tLATENCY\tSUCCESS\tFAILURES\tSTATUS")
			for _, health := range rt.pool.Health() {
				status := "ok"
				if health.Demoted {
					status = "demoted since " + health.DemotedAt.Format(time.TimeOnly)
				}
				fmt.Fprintf(writer, "%s\t%s\t%.0f%%\t%d\t%s\n",
					health.Address, health.Latency.Round(time.Millisecond),
					health.SuccessRate*100, health.ConsecutiveFailures, status)
			}
			return writer.Flush()
		},
	}
}
