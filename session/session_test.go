// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/identity"
	"github.com/bureau-foundation/tallow/lib/testutil"
	"github.com/bureau-foundation/tallow/relay"
	"github.com/bureau-foundation/tallow/strategy"
	"github.com/bureau-foundation/tallow/transport"
)

var relaySecret = []byte("session-test-relay-secret-000000")

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newStore(t *testing.T) *identity.Store {
	t.Helper()
	key, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	store := identity.NewStore(key, identity.StoreConfig{}, nil, testLogger())
	t.Cleanup(func() { store.Close() })
	return store
}

func startRelay(t *testing.T) string {
	t.Helper()
	issuer, err := relay.NewIssuer(relaySecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	server, err := relay.NewServer(relay.ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Issuer:     issuer,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(server.Stop)
	return server.Addr().String()
}

type connected struct {
	session *Session
	err     error
}

// connectPair runs both roles over an in-memory signaler.
func connectPair(t *testing.T, initiator, responder Config) (*Session, *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	initiatorSignals, responderSignals := transport.NewMemorySignalerPair()
	t.Cleanup(func() { initiatorSignals.Close() })

	initiator.Role = handshake.Initiator
	responder.Role = handshake.Responder
	results := make(chan connected, 1)
	go func() {
		session, err := Connect(ctx, responderSignals, responder)
		results <- connected{session, err}
	}()
	initiated, err := Connect(ctx, initiatorSignals, initiator)
	if err != nil {
		t.Fatalf("initiator Connect: %v", err)
	}
	t.Cleanup(func() { initiated.Close() })
	result := testutil.RequireReceive(t, results, 30*time.Second, "waiting for responder")
	if result.err != nil {
		t.Fatalf("responder Connect: %v", result.err)
	}
	t.Cleanup(func() { result.session.Close() })
	return initiated, result.session
}

func exchange(t *testing.T, from, to *Session) {
	t.Helper()
	ctx := context.Background()
	if err := from.Channel.Send(ctx, 9, []byte("header"), []byte("body")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	record, err := to.Channel.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if record.Kind != 9 || !bytes.Equal(record.Header, []byte("header")) || !bytes.Equal(record.Body, []byte("body")) {
		t.Fatalf("record = %+v", record)
	}
}

func TestConnectOverRelay(t *testing.T) {
	address := startRelay(t)
	issuer, err := relay.NewIssuer(relaySecret, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool := strategy.NewRelayPool([]strategy.RelayEndpoint{{Address: address, Issuer: issuer}}, strategy.RelayPoolConfig{}, nil, testLogger())
	stats := strategy.NewMemoryStats(strategy.DefaultAlpha, nil)
	selector := strategy.NewSelector(strategy.SelectorConfig{DirectTimeout: 100 * time.Millisecond}, stats, pool, testLogger())

	aliceStore, bobStore := newStore(t), newStore(t)
	alice, bob := connectPair(t,
		Config{
			Identity:     aliceStore,
			Selector:     selector,
			Relay:        relay.NewClient(testLogger()),
			ExpectedPeer: bobStore.Identity().PublicKey(),
			Logger:       testLogger(),
		},
		Config{
			Identity: bobStore,
			Relay:    relay.NewClient(testLogger()),
			Logger:   testLogger(),
		},
	)

	if alice.Path != channel.PathRelay || bob.Path != channel.PathRelay {
		t.Errorf("paths = %s/%s, want relay", alice.Path, bob.Path)
	}
	if alice.SAS == "" || alice.SAS != bob.SAS {
		t.Errorf("SAS mismatch: %q vs %q", alice.SAS, bob.SAS)
	}
	if !bytes.Equal(bob.Peer, aliceStore.Identity().PublicKey()) {
		t.Error("responder saw the wrong peer identity")
	}
	exchange(t, alice, bob)
	exchange(t, bob, alice)

	entries, err := stats.Entries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].History.Attempts != 1 {
		t.Errorf("stats entries = %+v, want one attempt", entries)
	}
	if health := pool.Health(); len(health) != 1 || health[0].ConsecutiveFailures != 0 {
		t.Errorf("relay health = %+v", health)
	}
}

func TestConnectDirect(t *testing.T) {
	webrtc := transport.NewWebRTC(transport.WebRTCConfig{IncludeLoopback: true}, testLogger())
	alice, bob := connectPair(t,
		Config{Identity: newStore(t), WebRTC: webrtc, Logger: testLogger()},
		Config{Identity: newStore(t), WebRTC: webrtc, Logger: testLogger()},
	)
	if alice.Path != channel.PathDirect || bob.Path != channel.PathDirect {
		t.Errorf("paths = %s/%s, want direct", alice.Path, bob.Path)
	}
	if alice.SAS != bob.SAS {
		t.Errorf("SAS mismatch: %q vs %q", alice.SAS, bob.SAS)
	}
	exchange(t, alice, bob)
}

func TestConnectRejectsUnexpectedPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	initiatorSignals, responderSignals := transport.NewMemorySignalerPair()
	defer initiatorSignals.Close()

	responderStore := newStore(t)
	responder := make(chan error, 1)
	go func() {
		_, err := Connect(ctx, responderSignals, Config{Role: handshake.Responder, Identity: responderStore})
		responder <- err
	}()

	_, err := Connect(ctx, initiatorSignals, Config{
		Role:         handshake.Initiator,
		Identity:     newStore(t),
		ExpectedPeer: newStore(t).Identity().PublicKey(),
	})
	if !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("Connect = %v, want ErrPeerMismatch", err)
	}
	initiatorSignals.Close()
	if err := testutil.RequireReceive(t, responder, 10*time.Second, "responder"); err == nil {
		t.Error("responder connected without a peer")
	}
}

func TestConnectWithoutPaths(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	initiatorSignals, responderSignals := transport.NewMemorySignalerPair()
	defer initiatorSignals.Close()

	responderStore := newStore(t)
	go Connect(ctx, responderSignals, Config{Role: handshake.Responder, Identity: responderStore})
	_, err := Connect(ctx, initiatorSignals, Config{Role: handshake.Initiator, Identity: newStore(t)})
	var failed *strategy.PathEstablishmentFailed
	if !errors.As(err, &failed) {
		t.Fatalf("Connect = %v, want PathEstablishmentFailed", err)
	}
}

func TestConfigRequiresIdentity(t *testing.T) {
	if _, err := Connect(context.Background(), nil, Config{Role: handshake.Initiator}); err == nil {
		t.Error("Connect accepted a config without identity")
	}
}
