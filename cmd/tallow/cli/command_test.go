// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func noop(context.Context, []string, *slog.Logger) error { return nil }

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string
	var receivedArgs []string
	root := &Command{
		Name: "tallow",
		Subcommands: []*Command{
			{Name: "version", Run: noop},
			{
				Name: "identity",
				Subcommands: []*Command{{
					Name: "init",
					Run: func(_ context.Context, args []string, _ *slog.Logger) error {
						called = "identity init"
						receivedArgs = args
						return nil
					},
				}},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"identity", "init", "extra"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "identity init" {
		t.Errorf("dispatched to %q, want %q", called, "identity init")
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "extra" {
		t.Errorf("args = %v, want [extra]", receivedArgs)
	}
}

type sendParams struct {
	Code    string        `flag:"code,c" desc:"rendezvous code"`
	Timeout time.Duration `flag:"timeout" desc:"give up after" default:"30s"`
	Resume  bool          `flag:"resume" desc:"resume" default:"true"`
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var params sendParams
	var positional []string
	command := &Command{
		Name:   "send",
		Params: func() any { return &params },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			positional = args
			return nil
		},
	}

	if err := command.Execute(context.Background(), []string{"-c", "bright-otter", "file.bin"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if params.Code != "bright-otter" {
		t.Errorf("Code = %q", params.Code)
	}
	if params.Timeout != 30*time.Second || !params.Resume {
		t.Errorf("defaults not applied: %+v", params)
	}
	if len(positional) != 1 || positional[0] != "file.bin" {
		t.Errorf("args = %v", positional)
	}
}

func TestCommand_Execute_UnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name:        "tallow",
		Subcommands: []*Command{{Name: "send", Run: noop}, {Name: "receive", Run: noop}},
	}
	err := root.Execute(context.Background(), []string{"recieve"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "receive"`) {
		t.Errorf("Execute() = %v, want a suggestion for receive", err)
	}
}

func TestCommand_Execute_UnknownFlagSuggests(t *testing.T) {
	var params sendParams
	command := &Command{Name: "send", Params: func() any { return &params }, Run: noop}
	err := command.Execute(context.Background(), []string{"--timout", "5s"})
	if err == nil || !strings.Contains(err.Error(), "did you mean --timeout") {
		t.Errorf("Execute() = %v, want a suggestion for --timeout", err)
	}
}

func TestCommand_Execute_SubcommandRequired(t *testing.T) {
	root := &Command{Name: "tallow", Subcommands: []*Command{{Name: "send", Run: noop}}}
	if err := root.Execute(context.Background(), nil); err == nil {
		t.Error("Execute() with no args succeeded")
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	var params sendParams
	root := &Command{Name: "tallow", Description: "Move files between machines."}
	send := &Command{
		Name:     "send",
		Summary:  "Send a file",
		Params:   func() any { return &params },
		Examples: []Example{{Description: "Send a file", Command: "tallow send photo.jpg"}},
		Run:      noop,
		parent:   root,
	}
	root.Subcommands = []*Command{send}

	var buffer bytes.Buffer
	root.PrintHelp(&buffer)
	if !strings.Contains(buffer.String(), "send") || !strings.Contains(buffer.String(), "Send a file") {
		t.Errorf("root help missing command listing:\n%s", buffer.String())
	}

	buffer.Reset()
	send.PrintHelp(&buffer)
	for _, want := range []string{"tallow send [flags]", "--timeout", "-c, --code", "tallow send photo.jpg"} {
		if !strings.Contains(buffer.String(), want) {
			t.Errorf("send help missing %q:\n%s", want, buffer.String())
		}
	}
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 2}
	coder, ok := err.(interface{ ExitCode() int })
	if !ok || coder.ExitCode() != 2 {
		t.Errorf("ExitError does not report its code")
	}
}
