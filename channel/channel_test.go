// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/identity"
	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/testutil"
	"github.com/bureau-foundation/tallow/ratchet"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type peer struct {
	store  *identity.Store
	engine *handshake.Engine
}

func newPeer(t *testing.T, fake *clock.FakeClock) *peer {
	t.Helper()
	key, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	store := identity.NewStore(key, identity.StoreConfig{}, fake, testLogger())
	t.Cleanup(func() { store.Close() })
	return &peer{store: store, engine: handshake.New(store, fake, testLogger())}
}

func (p *peer) bundle(t *testing.T) []byte {
	t.Helper()
	current, err := p.store.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	return current.Encoded
}

// establishPair runs Establish on both ends of a stream pair.
func establishPair(t *testing.T, aliceStream, bobStream Stream) (alice, bob *Established) {
	t.Helper()
	fake := clock.Fake(epoch)
	alicePeer, bobPeer := newPeer(t, fake), newPeer(t, fake)

	type result struct {
		established *Established
		err         error
	}
	responder := make(chan result, 1)
	go func() {
		established, err := Establish(context.Background(), bobStream, EstablishParams{
			Engine:    bobPeer.engine,
			Handshake: handshake.RunParams{Role: handshake.Responder},
			Clock:     fake,
			Logger:    testLogger(),
		})
		responder <- result{established, err}
	}()

	alice, err := Establish(context.Background(), aliceStream, EstablishParams{
		Engine: alicePeer.engine,
		Handshake: handshake.RunParams{
			Role:           handshake.Initiator,
			RemoteIdentity: bobPeer.store.Identity().PublicKey(),
			RemoteBundle:   bobPeer.bundle(t),
		},
		Clock:  fake,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("initiator Establish: %v", err)
	}
	r := testutil.RequireReceive(t, responder, 10*time.Second, "waiting for responder")
	if r.err != nil {
		t.Fatalf("responder Establish: %v", r.err)
	}
	t.Cleanup(func() {
		alice.Channel.Close()
		r.established.Channel.Close()
	})
	return alice, r.established
}

// securePair builds Secure channels whose streams end in raw
// connections the test controls, so frames can be inspected and
// altered in flight.
func securePair(t *testing.T) (alice, bob *Secure, aliceWire, bobWire net.Conn) {
	t.Helper()
	fake := clock.Fake(epoch)
	alicePeer, bobPeer := newPeer(t, fake), newPeer(t, fake)

	pending, init, err := alicePeer.engine.Initiate(bobPeer.bundle(t), bobPeer.store.Identity().PublicKey())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	bobSecret, response, err := bobPeer.engine.Respond(init, nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	aliceSecret, err := pending.Finish(response)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	aliceState, err := ratchet.New(aliceSecret, ratchet.DefaultConfig(), fake, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	bobState, err := ratchet.New(bobSecret, ratchet.DefaultConfig(), fake, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	aliceConn, aliceWire := testutil.Pipe(t)
	bobConn, bobWire := testutil.Pipe(t)
	alice = NewSecure(DirectConn(aliceConn, 0), aliceState, Config{}, testLogger())
	bob = NewSecure(Relay(bobConn, 0), bobState, Config{}, testLogger())
	t.Cleanup(func() {
		aliceWire.Close()
		bobWire.Close()
		alice.Close()
		bob.Close()
	})
	return alice, bob, aliceWire, bobWire
}

func readWireFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	var length [lengthSize]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		t.Fatalf("reading frame length: %v", err)
	}
	frame := make([]byte, lengthSize+binary.BigEndian.Uint32(length[:]))
	copy(frame, length[:])
	if _, err := io.ReadFull(conn, frame[lengthSize:]); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

func writeWire(t *testing.T, conn net.Conn, frame []byte) {
	t.Helper()
	go func() {
		conn.Write(frame)
	}()
}

func receive(t *testing.T, ch Channel) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return record
}

func TestEstablishAndExchange(t *testing.T) {
	a, b := testutil.TCPPair(t)
	alice, bob := establishPair(t, DirectConn(a, 0), DirectConn(b, 0))

	if alice.SAS == "" || alice.SAS != bob.SAS {
		t.Fatalf("SAS mismatch: %q vs %q", alice.SAS, bob.SAS)
	}
	if alice.Channel.Path() != PathDirect {
		t.Errorf("Path = %s", alice.Channel.Path())
	}

	ctx := context.Background()
	messages := []Record{
		{Kind: 1, Header: []byte("first"), Body: []byte("hello")},
		{Kind: 2, Header: nil, Body: bytes.Repeat([]byte{0xAB}, 200_000)},
		{Kind: 3, Header: []byte{0, 1, 2}, Body: nil},
	}
	go func() {
		for _, m := range messages {
			if err := alice.Channel.Send(ctx, m.Kind, m.Header, m.Body); err != nil {
				t.Errorf("Send: %v", err)
				return
			}
		}
	}()
	for i, want := range messages {
		got := receive(t, bob.Channel)
		if got.Kind != want.Kind || !bytes.Equal(got.Header, want.Header) || !bytes.Equal(got.Body, want.Body) {
			t.Fatalf("record %d: got kind %d header %q body %d bytes", i, got.Kind, got.Header, len(got.Body))
		}
	}

	// And back the other way.
	go bob.Channel.Send(ctx, 9, []byte("reply"), []byte("ok"))
	if got := receive(t, alice.Channel); string(got.Body) != "ok" {
		t.Fatalf("reply body = %q", got.Body)
	}

	stats := bob.Channel.Stats()
	if stats.Received != uint64(len(messages)) || stats.Sent != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCloseReportsEOF(t *testing.T) {
	a, b := testutil.TCPPair(t)
	alice, bob := establishPair(t, DirectConn(a, 0), Relay(b, 0))

	done := make(chan error, 1)
	go func() {
		_, err := bob.Channel.Receive(context.Background())
		done <- err
	}()
	if err := alice.Channel.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for Receive")
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Receive after peer close = %v, want io.EOF", err)
	}
	if err := alice.Channel.Send(context.Background(), 1, nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestReservedKindRejected(t *testing.T) {
	alice, _, _, _ := securePair(t)
	if err := alice.Send(context.Background(), KindClose, nil, nil); err == nil {
		t.Fatal("Send with KindClose succeeded")
	}
}

func TestSendRejectsOversizedRecord(t *testing.T) {
	alice, _, _, _ := securePair(t)
	err := alice.Send(context.Background(), 1, nil, make([]byte, MaxBodySize+1))
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("oversized body: %v", err)
	}
	err = alice.Send(context.Background(), 1, make([]byte, MaxHeaderSize+1), nil)
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("oversized header: %v", err)
	}
}

func TestReceiveRejectsOversizedFrameBeforeReading(t *testing.T) {
	_, bob, _, bobWire := securePair(t)

	var length [lengthSize]byte
	binary.BigEndian.PutUint32(length[:], MaxRecordSize+1)
	writeWire(t, bobWire, length[:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := bob.Receive(ctx)
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("Receive = %v, want ErrRecordTooLarge", err)
	}
}

func TestTamperedHeaderIsReported(t *testing.T) {
	alice, bob, aliceWire, bobWire := securePair(t)
	ctx := context.Background()

	if err := alice.Send(ctx, 1, []byte("offset=0"), []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(ctx, 1, []byte("offset=5"), []byte("second")); err != nil {
		t.Fatal(err)
	}
	first := readWireFrame(t, aliceWire)
	second := readWireFrame(t, aliceWire)

	// Flip a byte of the cleartext header.
	first[lengthSize+prefixSize+len("offset=")] ^= 0x01
	writeWire(t, bobWire, append(first, second...))

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := bob.Receive(receiveCtx)
	var unauthenticated *UnauthenticatedError
	if !errors.As(err, &unauthenticated) {
		t.Fatalf("Receive = %v, want *UnauthenticatedError", err)
	}
	if unauthenticated.Kind != 1 || string(unauthenticated.Header) != "offset=1" {
		t.Errorf("reported kind %d header %q, want 1 %q", unauthenticated.Kind, unauthenticated.Header, "offset=1")
	}
	if !errors.Is(err, ratchet.ErrAuthentication) {
		t.Errorf("Receive error does not wrap ratchet.ErrAuthentication: %v", err)
	}

	got := receive(t, bob)
	if string(got.Body) != "second" {
		t.Fatalf("body = %q, want the untampered record", got.Body)
	}
	if dropped := bob.Stats().Dropped; dropped != 1 {
		t.Errorf("Dropped = %d, want 1", dropped)
	}
}

func TestTamperedCiphertextIsReported(t *testing.T) {
	alice, bob, aliceWire, bobWire := securePair(t)
	ctx := context.Background()

	if err := alice.Send(ctx, 2, []byte("seq=7"), []byte("chunk body")); err != nil {
		t.Fatal(err)
	}
	frame := readWireFrame(t, aliceWire)
	frame[len(frame)-1] ^= 0x80
	writeWire(t, bobWire, frame)

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := bob.Receive(receiveCtx)
	var unauthenticated *UnauthenticatedError
	if !errors.As(err, &unauthenticated) {
		t.Fatalf("Receive = %v, want *UnauthenticatedError", err)
	}
	if unauthenticated.Kind != 2 || string(unauthenticated.Header) != "seq=7" {
		t.Errorf("reported kind %d header %q, want 2 %q", unauthenticated.Kind, unauthenticated.Header, "seq=7")
	}

	// The channel survives: the retransmission decrypts.
	if err := alice.Send(ctx, 2, []byte("seq=7"), []byte("chunk body")); err != nil {
		t.Fatal(err)
	}
	writeWire(t, bobWire, readWireFrame(t, aliceWire))
	if got := receive(t, bob); string(got.Body) != "chunk body" {
		t.Fatalf("body = %q after retransmission", got.Body)
	}
}

func TestGapBeyondMaxSkipEndsTheStream(t *testing.T) {
	alice, bob, aliceWire, bobWire := securePair(t)
	ctx := context.Background()
	maxSkip := ratchet.DefaultConfig().MaxSkip

	var frames [][]byte
	for index := range maxSkip + 2 + MaxConsecutiveDrops {
		if err := alice.Send(ctx, 1, nil, []byte(strconv.Itoa(index))); err != nil {
			t.Fatal(err)
		}
		frames = append(frames, readWireFrame(t, aliceWire))
	}
	// Deliver the first record, lose the next maxSkip+1, deliver the rest.
	wire := bytes.Clone(frames[0])
	for _, frame := range frames[maxSkip+2:] {
		wire = append(wire, frame...)
	}
	writeWire(t, bobWire, wire)

	if got := receive(t, bob); string(got.Body) != "0" {
		t.Fatalf("first body = %q", got.Body)
	}
	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := bob.Receive(receiveCtx)
	if !errors.Is(err, ratchet.ErrTooManySkipped) {
		t.Fatalf("Receive = %v, want ErrTooManySkipped", err)
	}
	if dropped := bob.Stats().Dropped; dropped != MaxConsecutiveDrops {
		t.Errorf("Dropped = %d, want %d", dropped, MaxConsecutiveDrops)
	}
}

func TestReplayIsDropped(t *testing.T) {
	alice, bob, aliceWire, bobWire := securePair(t)
	ctx := context.Background()

	alice.Send(ctx, 1, nil, []byte("once"))
	alice.Send(ctx, 1, nil, []byte("next"))
	first := readWireFrame(t, aliceWire)
	second := readWireFrame(t, aliceWire)

	writeWire(t, bobWire, append(append(append([]byte(nil), first...), first...), second...))

	if got := receive(t, bob); string(got.Body) != "once" {
		t.Fatalf("first body = %q", got.Body)
	}
	if got := receive(t, bob); string(got.Body) != "next" {
		t.Fatalf("second body = %q, want replay skipped", got.Body)
	}
	if dropped := bob.Stats().Dropped; dropped != 1 {
		t.Errorf("Dropped = %d, want 1", dropped)
	}
}

func TestReceiveCancelledLeavesChannelUsable(t *testing.T) {
	alice, bob, aliceWire, bobWire := securePair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := bob.Receive(ctx)
		done <- err
	}()
	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for cancelled Receive"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Receive = %v, want context.Canceled", err)
	}

	alice.Send(context.Background(), 1, nil, []byte("after"))
	writeWire(t, bobWire, readWireFrame(t, aliceWire))
	if got := receive(t, bob); string(got.Body) != "after" {
		t.Fatalf("body = %q", got.Body)
	}
}

func TestQueuedStreamBackpressure(t *testing.T) {
	conn, wire := testutil.Pipe(t)
	stream := DirectConn(conn, 16)
	stream.SetLowWater(0)

	// net.Pipe is unbuffered: the flusher holds the first entry until
	// the wire side reads.
	if _, err := stream.Write(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write(make([]byte, 6)); err != nil {
		t.Fatal(err)
	}
	if got := stream.Buffered(); got != 16 {
		t.Fatalf("Buffered = %d, want 16", got)
	}

	stream.(*queuedStream).SetWriteDeadline(time.Now().Add(20 * time.Millisecond))
	if _, err := stream.Write(make([]byte, 1)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Write into full queue = %v, want deadline exceeded", err)
	}
	stream.(*queuedStream).SetWriteDeadline(time.Time{})

	go io.Copy(io.Discard, wire)
	testutil.RequireReceive(t, stream.Drained(), 5*time.Second, "waiting for queue to drain")
	if got := stream.Buffered(); got != 0 {
		t.Fatalf("Buffered after drain = %d", got)
	}
}

func TestQueuedStreamOversizedWriteWaitsForEmptyQueue(t *testing.T) {
	conn, wire := testutil.Pipe(t)
	stream := Relay(conn, 8)

	received := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(wire, 4+32))
		received <- data
	}()
	if _, err := stream.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte{'x'}, 32)
	if _, err := stream.Write(big); err != nil {
		t.Fatal(err)
	}
	data := testutil.RequireReceive(t, received, 5*time.Second, "waiting for bytes")
	if want := append([]byte("abcd"), big...); !bytes.Equal(data, want) {
		t.Fatalf("wire bytes = %q", data)
	}
}

func TestQueuedStreamWriteAfterClose(t *testing.T) {
	conn, _ := testutil.Pipe(t)
	stream := DirectConn(conn, 0)
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write([]byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Write after Close = %v", err)
	}
}

func TestWritableFiresBelowLowWater(t *testing.T) {
	alice, _, _, _ := securePair(t)
	select {
	case <-alice.Writable():
	default:
		t.Fatal("empty channel not writable")
	}
}
