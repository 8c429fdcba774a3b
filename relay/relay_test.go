// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newIssuer(t *testing.T, secret []byte, clk clock.Clock) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(secret, clk)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return issuer
}

func startServer(t *testing.T, configure func(*ServerConfig)) *Server {
	t.Helper()
	config := ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Issuer:     newIssuer(t, testSecret, nil),
		Logger:     testLogger(),
	}
	if configure != nil {
		configure(&config)
	}
	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

type dialResult struct {
	conn net.Conn
	err  error
}

func dialAsync(client *Client, address string, credential Credential) <-chan dialResult {
	results := make(chan dialResult, 1)
	go func() {
		conn, err := client.Dial(context.Background(), address, credential)
		results <- dialResult{conn, err}
	}()
	return results
}

func pair(t *testing.T, server *Server, credential Credential) (net.Conn, net.Conn) {
	t.Helper()
	client := NewClient(testLogger())
	address := server.Addr().String()
	first := dialAsync(client, address, credential)
	second := dialAsync(client, address, credential)
	a := testutil.RequireReceive(t, first, 10*time.Second, "first client")
	b := testutil.RequireReceive(t, second, 10*time.Second, "second client")
	if a.err != nil || b.err != nil {
		t.Fatalf("Dial: %v / %v", a.err, b.err)
	}
	t.Cleanup(func() {
		a.conn.Close()
		b.conn.Close()
	})
	return a.conn, b.conn
}

func TestHelloEncoding(t *testing.T) {
	issuer := newIssuer(t, testSecret, clock.Fake(epoch))
	credential := issuer.Issue(NewToken(), time.Minute)

	hello := EncodeHello(credential)
	if len(hello) != HelloSize {
		t.Fatalf("hello is %d bytes, want %d", len(hello), HelloSize)
	}
	decoded, err := DecodeHello(hello)
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if decoded.Token != credential.Token || !decoded.Expiry.Equal(credential.Expiry) || decoded.MAC != credential.MAC {
		t.Fatalf("decoded %+v, want %+v", decoded, credential)
	}

	bad := bytes.Clone(hello)
	bad[0] = 'X'
	if _, err := DecodeHello(bad); !errors.Is(err, ErrMalformedHello) {
		t.Errorf("bad magic: %v", err)
	}
	if _, err := DecodeHello(hello[:HelloSize-1]); !errors.Is(err, ErrMalformedHello) {
		t.Errorf("short hello: %v", err)
	}
	if !isProbe(mustDecode(t, EncodeHello(Credential{}))) {
		t.Error("empty credential is not a probe")
	}
}

func mustDecode(t *testing.T, hello []byte) Credential {
	t.Helper()
	credential, err := DecodeHello(hello)
	if err != nil {
		t.Fatal(err)
	}
	return credential
}

func TestCredentialVerify(t *testing.T) {
	fake := clock.Fake(epoch)
	issuer := newIssuer(t, testSecret, fake)
	credential := issuer.Issue(NewToken(), time.Minute)

	if err := issuer.Verify(credential); err != nil {
		t.Fatalf("Verify fresh credential: %v", err)
	}

	forged := credential
	forged.Token[0] ^= 1
	if err := issuer.Verify(forged); !errors.Is(err, ErrBadCredential) {
		t.Errorf("forged token: %v", err)
	}
	other := newIssuer(t, []byte("another secret of sixteen+ bytes"), fake)
	if err := other.Verify(credential); !errors.Is(err, ErrBadCredential) {
		t.Errorf("wrong secret: %v", err)
	}

	fake.Advance(2 * time.Minute)
	if err := issuer.Verify(credential); !errors.Is(err, ErrExpiredCredential) {
		t.Errorf("expired: %v", err)
	}

	if _, err := NewIssuer([]byte("short"), fake); err == nil {
		t.Error("NewIssuer accepted a short secret")
	}
}

func TestTokenParse(t *testing.T) {
	token := NewToken()
	parsed, err := ParseToken(token.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != token {
		t.Fatalf("parsed %s, want %s", parsed, token)
	}
	if _, err := ParseToken("not-a-token"); err == nil {
		t.Error("ParseToken accepted garbage")
	}
}

func TestRelayPairsAndForwards(t *testing.T) {
	server := startServer(t, nil)
	credential := newIssuer(t, testSecret, nil).Issue(NewToken(), time.Minute)
	a, b := pair(t, server, credential)

	go a.Write([]byte("from a"))
	buffer := make([]byte, 6)
	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(b, buffer); err != nil || string(buffer) != "from a" {
		t.Fatalf("b read %q, %v", buffer, err)
	}
	go b.Write([]byte("from b"))
	a.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(a, buffer); err != nil || string(buffer) != "from b" {
		t.Fatalf("a read %q, %v", buffer, err)
	}

	if stats := server.Stats(); stats.Paired != 1 || stats.Active != 1 {
		t.Errorf("stats = %+v", stats)
	}

	a.Close()
	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := b.Read(buffer); err == nil {
		t.Fatal("read after peer close succeeded")
	}
}

func TestRelayRejectsForeignCredential(t *testing.T) {
	server := startServer(t, nil)
	foreign := newIssuer(t, []byte("not the relay's secret, at all!!"), nil)
	credential := foreign.Issue(NewToken(), time.Minute)

	_, err := NewClient(testLogger()).Dial(context.Background(), server.Addr().String(), credential)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != StatusBadCredential {
		t.Fatalf("Dial = %v, want StatusBadCredential", err)
	}
	if !errors.Is(err, ErrBadCredential) {
		t.Error("StatusError does not match ErrBadCredential")
	}
}

func TestRelayRejectsExpiredCredential(t *testing.T) {
	fake := clock.Fake(epoch)
	server := startServer(t, func(c *ServerConfig) {
		c.Clock = fake
		c.Issuer = newIssuer(t, testSecret, fake)
	})
	credential := newIssuer(t, testSecret, fake).Issue(NewToken(), time.Minute)
	fake.Advance(time.Hour)

	_, err := NewClient(testLogger()).Dial(context.Background(), server.Addr().String(), credential)
	if !errors.Is(err, ErrExpiredCredential) {
		t.Fatalf("Dial = %v, want ErrExpiredCredential", err)
	}
}

func TestRelayPeerTimeout(t *testing.T) {
	fake := clock.Fake(epoch)
	server := startServer(t, func(c *ServerConfig) {
		c.Clock = fake
		c.Issuer = newIssuer(t, testSecret, fake)
		c.WaitTimeout = 30 * time.Second
	})
	credential := newIssuer(t, testSecret, fake).Issue(NewToken(), 10*time.Minute)

	result := dialAsync(NewClient(testLogger()), server.Addr().String(), credential)
	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)

	r := testutil.RequireReceive(t, result, 10*time.Second, "waiting for timeout")
	var statusErr *StatusError
	if !errors.As(r.err, &statusErr) || statusErr.Status != StatusPeerTimeout {
		t.Fatalf("Dial = %v, want StatusPeerTimeout", r.err)
	}
	if waiting := server.Stats().Waiting; waiting != 0 {
		t.Errorf("Waiting = %d after timeout", waiting)
	}
}

func TestRelayTokenUsedOnce(t *testing.T) {
	server := startServer(t, nil)
	credential := newIssuer(t, testSecret, nil).Issue(NewToken(), time.Minute)
	pair(t, server, credential)

	_, err := NewClient(testLogger()).Dial(context.Background(), server.Addr().String(), credential)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != StatusTokenInUse {
		t.Fatalf("third Dial = %v, want StatusTokenInUse", err)
	}
}

func TestRelayByteLimit(t *testing.T) {
	server := startServer(t, func(c *ServerConfig) { c.ByteLimit = 1024 })
	credential := newIssuer(t, testSecret, nil).Issue(NewToken(), time.Minute)
	a, b := pair(t, server, credential)

	go a.Write(make([]byte, 4096))
	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	received, err := io.Copy(io.Discard, b)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("session not cut at the byte limit: %v", err)
		}
	}
	if received > 1024 {
		t.Fatalf("forwarded %d bytes past a 1024-byte limit", received)
	}
}

func TestRelayProbe(t *testing.T) {
	server := startServer(t, nil)
	if err := NewClient(testLogger()).Probe(context.Background(), server.Addr().String()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestNewServerValidates(t *testing.T) {
	if _, err := NewServer(ServerConfig{Issuer: newIssuer(t, testSecret, nil)}); err == nil {
		t.Error("NewServer accepted an empty ListenAddr")
	}
	if _, err := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"}); err == nil {
		t.Error("NewServer accepted a nil Issuer")
	}
}

func TestAdmission(t *testing.T) {
	fake := clock.Fake(epoch)
	admission := NewAdmission(AdmissionConfig{
		RatePerSecond: 1,
		Burst:         2,
		MaxViolations: 3,
		BanDuration:   time.Minute,
	}, fake)

	if !admission.Allow("192.0.2.1") || !admission.Allow("192.0.2.1") {
		t.Fatal("burst refused")
	}
	if admission.Allow("192.0.2.1") {
		t.Fatal("third hello inside a second allowed")
	}
	if !admission.Allow("192.0.2.2") {
		t.Fatal("another address shares the bucket")
	}
	fake.Advance(time.Second)
	if !admission.Allow("192.0.2.1") {
		t.Fatal("bucket did not refill")
	}

	// Three more refusals in a row trigger a ban.
	admission.Allow("192.0.2.1")
	admission.Allow("192.0.2.1")
	admission.Allow("192.0.2.1")
	if !admission.Banned("192.0.2.1") {
		t.Fatal("address not banned after repeated refusals")
	}
	fake.Advance(10 * time.Second)
	if admission.Allow("192.0.2.1") {
		t.Fatal("banned address allowed")
	}
	fake.Advance(time.Minute)
	if !admission.Allow("192.0.2.1") {
		t.Fatal("ban did not expire")
	}
}
