// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/bureau-foundation/tallow/cmd/tallow/cli"
	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/session"
	"github.com/bureau-foundation/tallow/transfer"
)

type receiveParams struct {
	ConfigFlags
	signalParams
	Peer   string `flag:"peer" desc:"hex identity key the sender must present"`
	Output string `flag:"output,o" desc:"write to this path instead of the sender's file name"`
	Dir    string `flag:"dir" desc:"directory for the received file" default:"."`
	Force  bool   `flag:"force" desc:"overwrite an existing file that is not a resumable partial"`
	Yes    bool   `flag:"yes,y" desc:"skip the short authentication string confirmation"`
	Quiet  bool   `flag:"quiet,q" desc:"suppress the progress line"`
}

func receiveCommand() *cli.Command {
	var params receiveParams
	return &cli.Command{
		Name:    "receive",
		Summary: "Receive a file from a peer",
		Description: `Wait for a peer running 'tallow send' and write the file it offers.

Without --code a fresh rendezvous code is printed for the sender. After
the secure channel is up both sides show the same short authentication
string; confirm it matches before the transfer starts. Partial files are
tracked in the snapshot database and resume on the next attempt.`,
		Usage:  "tallow receive [flags]",
		Params: func() any { return &params },
		Examples: []cli.Example{
			{
				Description: "Print a code and wait for the sender",
				Command:     "tallow receive --dir ~/Downloads",
			},
			{
				Description: "Accept a LAN sender directly without a relay",
				Command:     "tallow receive --signal-listen :7900",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return runReceive(ctx, params, logger)
		},
	}
}

func runReceive(ctx context.Context, params receiveParams, logger *slog.Logger) error {
	peer, err := parsePeer(params.Peer)
	if err != nil {
		return err
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
	snapshots, err := transfer.OpenSQLiteSnapshots(ctx, cfg.Paths.SnapshotDB, rt.clock, logger)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer snapshots.Close()

	printer := cli.NewPrinter(os.Stderr)
	signaler, err := openSignaler(ctx, rt, params.signalParams, handshake.Responder, printer)
	if err != nil {
		return err
	}
	rt.refreshRelayHealth(ctx)
	connected, err := session.Connect(ctx, signaler, rt.sessionConfig(handshake.Responder, peer))
	signaler.Close()
	if err != nil {
		return err
	}
	defer connected.Close()
	printer.SAS(connected.SAS)
	printer.Printf("%s\n", printer.Faint(fmt.Sprintf("path %s, peer %s", connected.Path, peerFingerprint(connected.Peer))))

	if !params.Yes {
		confirmed, err := confirm(os.Stdin, printer, "Does the code match?")
		if err != nil {
			return err
		}
		if !confirmed {
			printer.Warn("rejected; closing the session")
			return &cli.ExitError{Code: 1}
		}
	}

	receiver := transfer.NewReceiver(transferConfig, snapshots, rt.clock, logger)
	output := &outputFile{resolve: func() (string, error) {
		offer := receiver.Offer()
		path := params.Output
		if path == "" {
			path = filepath.Join(params.Dir, safeName(offer.Name, offer.FileID))
		}
		if params.Force {
			return path, nil
		}
		if _, resumable, err := snapshots.Load(ctx, offer.FileID); err != nil || resumable {
			return path, err
		}
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%s exists (use --force to overwrite)", path)
		}
		return path, nil
	}}
	defer output.Close()

	start := rt.clock.Now()
	for chunk, err := range receiver.Receive(ctx, connected.Channel, output) {
		if err != nil {
			if !params.Quiet {
				printer.Done()
			}
			return err
		}
		if !params.Quiet {
			printer.Progress(chunk.Progress.BytesAcked, chunk.Progress.TotalSize, rt.clock.Now().Sub(start))
		}
	}
	if !params.Quiet {
		printer.Done()
	}

	offer := receiver.Offer()
	if err := output.finish(offer.Manifest.Size); err != nil {
		return err
	}
	printer.Success("received %s (%s) over %s", output.path, humanize.IBytes(uint64(offer.Manifest.Size)), connected.Path)
	return nil
}

// confirm asks a yes/no question on the terminal. A non-interactive
// stdin is refused rather than guessed at.
func confirm(in *os.File, printer *cli.Printer, question string) (bool, error) {
	if !term.IsTerminal(int(in.Fd())) {
		return false, errors.New("stdin is not a terminal; compare the code and rerun with --yes")
	}
	printer.Printf("%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// safeName reduces the sender's file name to one path element.
func safeName(name, fileID string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" {
		short := fileID
		if len(short) > 8 {
			short = short[:8]
		}
		return "tallow-" + short
	}
	return base
}

// outputFile opens its path on first use, after the offer names it.
// Existing content is kept so a resumed transfer only fills gaps.
type outputFile struct {
	resolve func() (string, error)

	mu   sync.Mutex
	path string
	file *os.File
}

func (o *outputFile) open() (*os.File, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file != nil {
		return o.file, nil
	}
	path, err := o.resolve()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	o.path, o.file = path, file
	return file, nil
}

func (o *outputFile) WriteAt(p []byte, offset int64) (int, error) {
	file, err := o.open()
	if err != nil {
		return 0, err
	}
	return file.WriteAt(p, offset)
}

func (o *outputFile) ReadAt(p []byte, offset int64) (int, error) {
	file, err := o.open()
	if err != nil {
		return 0, err
	}
	return file.ReadAt(p, offset)
}

// finish creates the file if nothing was written, drops any stale tail
// past size, and syncs.
func (o *outputFile) finish(size int64) error {
	file, err := o.open()
	if err != nil {
		return err
	}
	if err := file.Truncate(size); err != nil {
		return err
	}
	return file.Sync()
}

func (o *outputFile) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
