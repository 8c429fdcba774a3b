// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/tallow/cmd/tallow/cli"
	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/relay"
	"github.com/bureau-foundation/tallow/transport"
)

// signalDialTimeout bounds dialing a --signal-connect address.
const signalDialTimeout = 10 * time.Second

// signalParams choose how the two peers find each other before any
// path exists. The default is a rendezvous through a relay keyed by a
// one-time code.
type signalParams struct {
	Code    string `flag:"code,c" desc:"rendezvous code shared with the peer"`
	Via     string `flag:"via" desc:"relay address for the rendezvous (default: first configured relay)"`
	Listen  string `flag:"signal-listen" desc:"accept the peer's signaling connection on this address instead of using a relay"`
	Connect string `flag:"signal-connect" desc:"dial the peer's signaling address instead of using a relay"`
}

func (p signalParams) validate() error {
	set := 0
	for _, value := range []string{p.Code, p.Listen, p.Connect} {
		if value != "" {
			set++
		}
	}
	if set > 1 {
		return errors.New("--code, --signal-listen and --signal-connect are mutually exclusive")
	}
	return nil
}

// openSignaler connects the signaling stream for role. A responder
// without a code mints one and prints it for the user to pass on.
func openSignaler(ctx context.Context, rt *runtime, params signalParams, role handshake.Role, printer *cli.Printer) (transport.Signaler, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	switch {
	case params.Listen != "":
		listener, err := transport.ListenTCP(params.Listen)
		if err != nil {
			return nil, fmt.Errorf("signaling listener: %w", err)
		}
		defer listener.Close()
		printer.Printf("Waiting for the peer on %s\n", listener.Address())
		conn, err := listener.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("accepting signaling connection: %w", err)
		}
		return transport.NewStreamSignaler(conn), nil

	case params.Connect != "":
		dialer := transport.TCPDialer{Timeout: signalDialTimeout}
		conn, err := dialer.DialContext(ctx, params.Connect)
		if err != nil {
			return nil, fmt.Errorf("dialing signaling address: %w", err)
		}
		return transport.NewStreamSignaler(conn), nil
	}

	endpoint, err := rt.endpoint(params.Via)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: %w (configure a relay or use --signal-listen / --signal-connect)", err)
	}

	var token relay.Token
	if params.Code == "" {
		if role == handshake.Initiator {
			return nil, errors.New("--code is required (run 'tallow receive' on the other machine to get one)")
		}
		token = relay.NewToken()
		printer.Printf("On the sending machine run:\n\n  tallow send <file> --code %s\n\n", token)
	} else {
		token, err = relay.ParseToken(params.Code)
		if err != nil {
			return nil, fmt.Errorf("invalid --code: %w", err)
		}
	}

	credential := endpoint.Issuer.Issue(token, relay.DefaultCredentialLifetime)
	rt.logger.Debug("rendezvous", "relay", endpoint.Address)
	conn, err := rt.client.Dial(ctx, endpoint.Address, credential)
	if err != nil {
		return nil, fmt.Errorf("rendezvous through %s: %w", endpoint.Address, err)
	}
	return transport.NewStreamSignaler(conn), nil
}
