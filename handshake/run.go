// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/tallow/lib/codec"
)

// DefaultTimeout bounds the wait for the peer's handshake message.
const DefaultTimeout = 10 * time.Second

// RunParams select the role for Run.
type RunParams struct {
	Role Role

	// RemoteIdentity is required for the initiator. For the responder
	// it is optional; see Respond.
	RemoteIdentity ed25519.PublicKey

	// RemoteBundle is the responder's encoded prekey bundle. Initiator
	// only.
	RemoteBundle []byte

	// Timeout bounds the wait for the peer's message. Zero means
	// DefaultTimeout.
	Timeout time.Duration
}

// deadliner is implemented by net.Conn and the channel streams.
type deadliner interface {
	SetDeadline(time.Time) error
}

// Run performs a handshake over conn, exchanging the init and response
// messages as length-prefixed frames. If ctx ends or the timeout
// passes before the peer's message arrives, the pending state is wiped
// and the error wraps ctx.Err() or os.ErrDeadlineExceeded.
func (e *Engine) Run(ctx context.Context, conn io.ReadWriter, params RunParams) (*SessionSecret, error) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d, ok := conn.(deadliner); ok {
		deadline, _ := ctx.Deadline()
		d.SetDeadline(deadline)
		stop := context.AfterFunc(ctx, func() {
			// Unblock a pending read immediately on cancellation.
			d.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			stop()
			d.SetDeadline(time.Time{})
		}()
	}

	switch params.Role {
	case Initiator:
		return e.runInitiator(ctx, conn, params)
	case Responder:
		return e.runResponder(ctx, conn, params)
	default:
		return nil, fmt.Errorf("handshake: invalid role %d", params.Role)
	}
}

func (e *Engine) runInitiator(ctx context.Context, conn io.ReadWriter, params RunParams) (*SessionSecret, error) {
	pending, init, err := e.Initiate(params.RemoteBundle, params.RemoteIdentity)
	if err != nil {
		return nil, err
	}
	if err := codec.WriteRawFrame(conn, init); err != nil {
		pending.Abort()
		return nil, transportError(ctx, "sending init", err)
	}
	response, err := codec.ReadRawFrame(conn, ResponseSize)
	if err != nil {
		pending.Abort()
		if errors.Is(err, codec.ErrFrameTooLarge) {
			return nil, &MalformedBundleError{Stage: StageResponse, Peer: pending.peer, Err: err}
		}
		return nil, transportError(ctx, "reading response", err)
	}
	if ctx.Err() != nil {
		pending.Abort()
		return nil, transportError(ctx, "reading response", ctx.Err())
	}
	return pending.Finish(response)
}

func (e *Engine) runResponder(ctx context.Context, conn io.ReadWriter, params RunParams) (*SessionSecret, error) {
	init, err := codec.ReadRawFrame(conn, InitSize)
	if err != nil {
		if errors.Is(err, codec.ErrFrameTooLarge) {
			return nil, &MalformedBundleError{Stage: StageInit, Err: err}
		}
		return nil, transportError(ctx, "reading init", err)
	}
	session, response, err := e.Respond(init, params.RemoteIdentity)
	if err != nil {
		return nil, err
	}
	if err := codec.WriteRawFrame(conn, response); err != nil {
		session.Destroy()
		return nil, transportError(ctx, "sending response", err)
	}
	return session, nil
}

func transportError(ctx context.Context, action string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("handshake %s: %s: %w", StageTransport, action, ctxErr)
	}
	return fmt.Errorf("handshake %s: %s: %w", StageTransport, action, err)
}
