// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/identity"
	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/netutil"
	"github.com/bureau-foundation/tallow/nat"
	"github.com/bureau-foundation/tallow/ratchet"
	"github.com/bureau-foundation/tallow/relay"
	"github.com/bureau-foundation/tallow/strategy"
	"github.com/bureau-foundation/tallow/transport"
)

// pathSelected is written by the initiator on the committed path
// before the handshake. The responder commits whichever path carries
// it first.
const pathSelected = 0x01

const (
	DefaultRelayTimeout  = 30 * time.Second
	DefaultAcceptTimeout = 2 * time.Minute
)

// ErrPeerMismatch is returned when the peer's identity is not the one
// the caller expected.
var ErrPeerMismatch = errors.New("session: peer identity does not match")

// Config wires one Connect call.
type Config struct {
	Role     handshake.Role
	Identity *identity.Store

	// Engine runs the handshake. Nil builds one over Identity.
	Engine *handshake.Engine

	// Gatherer supplies the local NAT class and candidates. Nil
	// advertises Unknown and no candidates.
	Gatherer *nat.Gatherer

	// CandidatePort is the port advertised on host candidates. Zero
	// advertises reflexive and relayed candidates only.
	CandidatePort uint16

	// CandidatePolicy filters candidates in both directions.
	CandidatePolicy nat.AddressPolicy

	// Selector decides the plan on the initiator. Nil uses the
	// decision table with no history and no relays.
	Selector *strategy.Selector

	// WebRTC negotiates the direct path. Nil disables it.
	WebRTC *transport.WebRTC

	// Relay dials relay endpoints. Nil disables the relayed path.
	Relay *relay.Client

	// ExpectedPeer pins the peer's identity key. Nil accepts any peer
	// and leaves verification to the SAS comparison.
	ExpectedPeer ed25519.PublicKey

	Ratchet ratchet.Config
	Channel channel.Config

	HandshakeTimeout time.Duration

	// RelayTimeout bounds the initiator's relay probe.
	RelayTimeout time.Duration

	// AcceptTimeout bounds how long the responder waits for the
	// initiator to select a path.
	AcceptTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.Identity == nil {
		return c, errors.New("session: Identity is required")
	}
	if c.Role != handshake.Initiator && c.Role != handshake.Responder {
		return c, fmt.Errorf("session: invalid role %d", c.Role)
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Engine == nil {
		c.Engine = handshake.New(c.Identity, c.Clock, c.Logger)
	}
	if c.Selector == nil {
		c.Selector = strategy.NewSelector(strategy.DefaultSelectorConfig(), nil, nil, c.Logger)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = handshake.DefaultTimeout
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = DefaultRelayTimeout
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	return c, nil
}

// Session is an established secure channel and how it was reached.
type Session struct {
	Channel *channel.Secure

	// SAS is the short authentication string both peers should
	// compare out of band.
	SAS string

	Path           channel.PathKind
	Decision       strategy.Decision
	Peer           ed25519.PublicKey
	PeerCandidates []nat.Candidate
}

// Close closes the channel.
func (s *Session) Close() error {
	return s.Channel.Close()
}

// Connect exchanges hellos over signaler, establishes a path chosen by
// the initiator's strategy, and runs the handshake over it. The
// signaler is only used until a path commits; the caller closes it.
func Connect(ctx context.Context, signaler transport.Signaler, config Config) (*Session, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	c := &connector{Config: config, signaler: signaler}
	if err := c.gather(ctx); err != nil {
		return nil, err
	}
	if config.Role == handshake.Initiator {
		return c.initiate(ctx)
	}
	return c.respond(ctx)
}

type connector struct {
	Config
	signaler   transport.Signaler
	local      nat.Classification
	candidates []byte
}

func (c *connector) gather(ctx context.Context) error {
	if c.Gatherer == nil {
		return nil
	}
	candidates, class, err := c.Gatherer.Gather(ctx, c.CandidatePort)
	if err != nil {
		return fmt.Errorf("session: gathering candidates: %w", err)
	}
	c.local = class
	if len(candidates) > nat.MaxCandidates {
		candidates = candidates[:nat.MaxCandidates]
	}
	var usable []nat.Candidate
	for _, candidate := range candidates {
		if c.CandidatePolicy.Validate(candidate.Address) == nil {
			usable = append(usable, candidate)
		}
	}
	if c.candidates, err = nat.EncodeCandidates(usable, c.CandidatePolicy); err != nil {
		return fmt.Errorf("session: encoding candidates: %w", err)
	}
	c.Logger.Debug("candidates gathered", "nat", class.String(), "count", len(usable))
	return nil
}

// peer checks the remote hello's identity against the pin.
func (c *connector) peer(remote hello) (ed25519.PublicKey, []nat.Candidate, error) {
	key := ed25519.PublicKey(remote.Identity)
	if c.ExpectedPeer != nil && !bytes.Equal(key, c.ExpectedPeer) {
		return nil, nil, fmt.Errorf("%w: got %s", ErrPeerMismatch, identity.IdentityFingerprint(key).Short())
	}
	var candidates []nat.Candidate
	if len(remote.Candidates) > 0 {
		decoded, err := nat.DecodeCandidates(remote.Candidates, c.CandidatePolicy)
		if err != nil {
			c.Logger.Warn("ignoring peer candidates", "error", err)
		} else {
			candidates = decoded
		}
	}
	return key, candidates, nil
}

func (c *connector) initiate(ctx context.Context) (*Session, error) {
	remote, err := receiveHello(ctx, c.signaler)
	if err != nil {
		return nil, err
	}
	if len(remote.Bundle) == 0 {
		return nil, errors.New("session: responder sent no prekey bundle")
	}
	peer, candidates, err := c.peer(remote)
	if err != nil {
		return nil, err
	}

	decision := c.Selector.Select(ctx, c.local, remote.NAT, relay.NewToken())
	if c.Relay == nil {
		decision.Relay = nil
	}
	direct := c.WebRTC != nil && decision.Mode != strategy.RelayOnly
	p := &plan{Mode: decision.Mode, DirectTimeout: decision.DirectTimeout, Direct: direct}
	if decision.Relay != nil {
		p.RelayAddress = decision.Relay.Endpoint.Address
		p.RelayHello = relay.EncodeHello(decision.Relay.Credential)
	}
	identityKey := c.Identity.Identity().PublicKey()
	if err := sendHello(ctx, c.signaler, hello{
		Identity:   identityKey,
		NAT:        c.local,
		Candidates: c.candidates,
		Plan:       p,
	}); err != nil {
		return nil, err
	}

	var directDial, relayDial strategy.Dialer[channel.Stream]
	if direct {
		directDial = func(ctx context.Context) (channel.Stream, error) {
			conn, err := c.WebRTC.Offer(ctx, c.signaler)
			if err != nil {
				return nil, err
			}
			return channel.Direct(conn), nil
		}
	}
	if decision.Relay != nil {
		relayDial = c.relayDialer(*decision.Relay)
	}
	probes := strategy.Plan(decision, directDial, relayDial, c.RelayTimeout)

	stream, path, err := c.attempt(ctx, decision, probes)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write([]byte{pathSelected}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("session: selecting %s path: %w", path, err)
	}
	return c.establish(ctx, stream, decision, handshake.RunParams{
		Role:           handshake.Initiator,
		RemoteIdentity: peer,
		RemoteBundle:   remote.Bundle,
		Timeout:        c.HandshakeTimeout,
	}, peer, candidates)
}

func (c *connector) respond(ctx context.Context) (*Session, error) {
	current, err := c.Identity.Current()
	if err != nil {
		return nil, fmt.Errorf("session: current prekey bundle: %w", err)
	}
	if err := sendHello(ctx, c.signaler, hello{
		Identity:   c.Identity.Identity().PublicKey(),
		Bundle:     current.Encoded,
		NAT:        c.local,
		Candidates: c.candidates,
	}); err != nil {
		return nil, err
	}
	remote, err := receiveHello(ctx, c.signaler)
	if err != nil {
		return nil, err
	}
	if remote.Plan == nil {
		return nil, errors.New("session: initiator sent no plan")
	}
	peer, candidates, err := c.peer(remote)
	if err != nil {
		return nil, err
	}

	decision := strategy.Decision{
		Pair:          strategy.Pair{Local: c.local, Remote: remote.NAT},
		Mode:          remote.Plan.Mode,
		DirectTimeout: remote.Plan.DirectTimeout,
	}
	var probes []strategy.Probe[channel.Stream]
	if remote.Plan.Direct {
		if c.WebRTC == nil {
			c.Logger.Warn("initiator offers a direct path but WebRTC is disabled here")
		} else {
			probes = append(probes, strategy.Probe[channel.Stream]{
				Path:    channel.PathDirect,
				Timeout: c.AcceptTimeout,
				Dial: awaitSelection(func(ctx context.Context) (channel.Stream, error) {
					conn, err := c.WebRTC.Answer(ctx, c.signaler)
					if err != nil {
						return nil, err
					}
					return channel.Direct(conn), nil
				}),
			})
		}
	}
	if remote.Plan.RelayAddress != "" {
		credential, err := relay.DecodeHello(remote.Plan.RelayHello)
		if err != nil {
			return nil, fmt.Errorf("session: relay assignment: %w", err)
		}
		assignment := strategy.RelayAssignment{
			Endpoint:   strategy.RelayEndpoint{Address: remote.Plan.RelayAddress},
			Credential: credential,
		}
		decision.Relay = &assignment
		if c.Relay == nil {
			c.Logger.Warn("initiator assigned a relay but relaying is disabled here")
		} else {
			probes = append(probes, strategy.Probe[channel.Stream]{
				Path:    channel.PathRelay,
				Timeout: c.AcceptTimeout,
				Dial:    awaitSelection(c.relayDialer(assignment)),
			})
		}
	}

	stream, _, err := c.attempt(ctx, decision, probes)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, stream, decision, handshake.RunParams{
		Role:           handshake.Responder,
		RemoteIdentity: peer,
		Timeout:        c.HandshakeTimeout,
	}, peer, candidates)
}

func (c *connector) relayDialer(assignment strategy.RelayAssignment) strategy.Dialer[channel.Stream] {
	return func(ctx context.Context) (channel.Stream, error) {
		conn, err := c.Relay.Dial(ctx, assignment.Endpoint.Address, assignment.Credential)
		if err != nil {
			return nil, err
		}
		return channel.Relay(conn, 0), nil
	}
}

// attempt runs the probes and records the outcome.
func (c *connector) attempt(ctx context.Context, decision strategy.Decision, probes []strategy.Probe[channel.Stream]) (channel.Stream, channel.PathKind, error) {
	attempt := strategy.NewAttempt[channel.Stream](c.Clock, c.Logger)
	result, err := attempt.Run(ctx, probes)
	if recordErr := c.Selector.Record(ctx, decision, result.AttemptReport, err); recordErr != nil {
		c.Logger.Warn("recording strategy outcome", "error", recordErr)
	}
	if err != nil {
		return nil, 0, err
	}
	c.Logger.Info("path established",
		"path", result.Path.String(),
		"mode", decision.Mode.String(),
		"pair", decision.Pair.String(),
		"elapsed", result.Elapsed,
	)
	return result.Value, result.Path, nil
}

func (c *connector) establish(ctx context.Context, stream channel.Stream, decision strategy.Decision, params handshake.RunParams, peer ed25519.PublicKey, candidates []nat.Candidate) (*Session, error) {
	established, err := channel.Establish(ctx, stream, channel.EstablishParams{
		Engine:    c.Engine,
		Handshake: params,
		Ratchet:   c.Ratchet,
		Channel:   c.Channel,
		Clock:     c.Clock,
		Logger:    c.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Session{
		Channel:        established.Channel,
		SAS:            established.SAS,
		Path:           stream.Path(),
		Decision:       decision,
		Peer:           peer,
		PeerCandidates: candidates,
	}, nil
}

// awaitSelection wraps a responder dialer: the path only counts once
// the initiator marks it selected.
func awaitSelection(dial strategy.Dialer[channel.Stream]) strategy.Dialer[channel.Stream] {
	return func(ctx context.Context) (channel.Stream, error) {
		stream, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		var marker [1]byte
		release := netutil.Interrupt(ctx, stream, netutil.Read)
		_, err = io.ReadFull(stream, marker[:])
		if cancelled := release(); cancelled != nil {
			err = cancelled
		}
		if err == nil && marker[0] != pathSelected {
			err = fmt.Errorf("unexpected path marker %#x", marker[0])
		}
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("waiting for path selection: %w", err)
		}
		return stream, nil
	}
}

// RelayProbe adapts client to strategy.RelayPool.ProbeAll.
func RelayProbe(client *relay.Client) strategy.ProbeFunc {
	return func(ctx context.Context, endpoint strategy.RelayEndpoint) error {
		return client.Probe(ctx, endpoint.Address)
	}
}
