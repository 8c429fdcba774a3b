// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/tallow/lib/netutil"
	"github.com/bureau-foundation/tallow/ratchet"
)

// Record frame on the stream:
//
//	length:4 | kind:1 | header length:2 | header | ratchet message
//
// length counts everything after itself. The bytes from kind through
// the end of the header are the associated data of the ratchet
// message, so the header travels in the clear but cannot be altered.
const (
	lengthSize = 4
	prefixSize = 1 + 2

	// MaxHeaderSize bounds the cleartext record header.
	MaxHeaderSize = 1024

	// MaxBodySize bounds the plaintext body of one record.
	MaxBodySize = 1 << 20

	// MaxRecordSize is the largest frame length accepted from the
	// stream.
	MaxRecordSize = prefixSize + MaxHeaderSize + ratchet.HeaderMaxSize + MaxBodySize + ratchet.Overhead

	// DefaultHighWater and DefaultLowWater are the buffered byte
	// levels at which senders pause and resume.
	DefaultHighWater = 4 << 20
	DefaultLowWater  = 1 << 20

	// MaxConsecutiveDrops is how many undecryptable records in a row a
	// reader skips before failing.
	MaxConsecutiveDrops = 16

	closeTimeout = time.Second
)

// Kind tags a record for the layer above. KindClose is reserved.
type Kind uint8

// KindClose announces an orderly shutdown. Receive reports it as io.EOF.
const KindClose Kind = 0

var (
	// ErrRecordTooLarge is returned for frames or records over the
	// size limits.
	ErrRecordTooLarge = errors.New("channel: record too large")

	// ErrMalformedRecord means a frame could not be parsed. The stream
	// is no longer usable.
	ErrMalformedRecord = errors.New("channel: malformed record")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel: closed")
)

// UnauthenticatedError reports a record that failed authentication.
// The record is discarded and the channel stays usable. Kind and Header
// are the cleartext fields as they arrived and are not trustworthy.
type UnauthenticatedError struct {
	Kind   Kind
	Header []byte
	Err    error
}

func (e *UnauthenticatedError) Error() string {
	return fmt.Sprintf("channel: unauthenticated record of kind %d: %v", e.Kind, e.Err)
}

func (e *UnauthenticatedError) Unwrap() error { return e.Err }

// Record is one authenticated message.
type Record struct {
	Kind   Kind
	Header []byte
	Body   []byte
}

// Channel is an authenticated, encrypted record stream between two
// peers.
type Channel interface {
	Send(ctx context.Context, kind Kind, header, body []byte) error
	Receive(ctx context.Context) (Record, error)

	// Buffered is the number of sent bytes not yet on the network.
	Buffered() int

	// Writable fires when Buffered is at or below the low water mark.
	// Callers recheck Buffered after it fires.
	Writable() <-chan struct{}

	Path() PathKind
	Close() error
}

// Stats counts records in each direction.
type Stats struct {
	Sent     uint64
	Received uint64
	// Dropped counts records that failed to decrypt and were skipped.
	Dropped uint64
	Ratchet ratchet.Stats
}

// Config tunes a Secure channel.
type Config struct {
	// LowWater is the buffered level at which Writable fires. Zero
	// means DefaultLowWater.
	LowWater int
}

// Secure is a Channel over a Stream where every record is one ratchet
// message.
type Secure struct {
	stream   Stream
	state    *ratchet.State
	lowWater int
	logger   *slog.Logger

	sendMu    sync.Mutex
	receiveMu sync.Mutex
	lengthBuf [lengthSize]byte

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Channel = (*Secure)(nil)

// NewSecure takes ownership of stream and state; Close releases both.
func NewSecure(stream Stream, state *ratchet.State, config Config, logger *slog.Logger) *Secure {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	lowWater := config.LowWater
	if lowWater <= 0 {
		lowWater = DefaultLowWater
	}
	stream.SetLowWater(lowWater)
	return &Secure{
		stream:   stream,
		state:    state,
		lowWater: lowWater,
		logger:   logger.With("path", stream.Path().String()),
	}
}

// Path reports the transport under the channel.
func (s *Secure) Path() PathKind { return s.stream.Path() }

func (s *Secure) Buffered() int { return s.stream.Buffered() }

var ready = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (s *Secure) Writable() <-chan struct{} {
	if s.stream.Buffered() <= s.lowWater {
		return ready
	}
	return s.stream.Drained()
}

// Send seals body as the next ratchet message with the kind and header
// bound as associated data, and writes it as one frame.
func (s *Secure) Send(ctx context.Context, kind Kind, header, body []byte) error {
	if kind == KindClose {
		return fmt.Errorf("channel: kind %d is reserved", kind)
	}
	return s.send(ctx, kind, header, body)
}

func (s *Secure) send(ctx context.Context, kind Kind, header, body []byte) error {
	if len(header) > MaxHeaderSize || len(body) > MaxBodySize {
		return fmt.Errorf("%w: header %d bytes, body %d bytes", ErrRecordTooLarge, len(header), len(body))
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	associated := make([]byte, prefixSize+len(header))
	associated[0] = byte(kind)
	binary.BigEndian.PutUint16(associated[1:3], uint16(len(header)))
	copy(associated[prefixSize:], header)

	message, err := s.state.Seal(body, associated)
	if err != nil {
		return fmt.Errorf("channel: sealing record: %w", err)
	}
	frame := make([]byte, lengthSize, lengthSize+len(associated)+len(message))
	binary.BigEndian.PutUint32(frame, uint32(len(associated)+len(message)))
	frame = append(frame, associated...)
	frame = append(frame, message...)

	release := netutil.Interrupt(ctx, s.stream, netutil.Write)
	_, err = s.stream.Write(frame)
	if cancelled := release(); cancelled != nil {
		return cancelled
	}
	if err != nil {
		return fmt.Errorf("channel: writing record: %w", err)
	}
	s.sent.Add(1)
	return nil
}

// Receive returns the next record. A record that fails authentication
// is reported as *UnauthenticatedError so the layer above can ask for it
// again; the next Receive continues with the following record. Replays
// and records beyond the skip limit are logged and skipped, and a long
// run of them is an error. An orderly close by the peer is io.EOF.
func (s *Secure) Receive(ctx context.Context) (Record, error) {
	s.receiveMu.Lock()
	defer s.receiveMu.Unlock()

	drops := 0
	for {
		if s.closed.Load() {
			return Record{}, ErrClosed
		}
		frame, err := s.readFrame(ctx)
		if err != nil {
			return Record{}, err
		}
		record, err := s.open(frame)
		if err == nil {
			if record.Kind == KindClose {
				return Record{}, io.EOF
			}
			s.received.Add(1)
			return record, nil
		}
		if errors.Is(err, ratchet.ErrAuthentication) {
			s.dropped.Add(1)
			s.logger.Debug("record failed authentication", "kind", record.Kind)
			return Record{}, &UnauthenticatedError{Kind: record.Kind, Header: bytes.Clone(record.Header), Err: err}
		}
		if !droppable(err) {
			return Record{}, err
		}
		s.dropped.Add(1)
		drops++
		s.logger.Warn("dropping undecryptable record", "error", err, "consecutive", drops)
		if drops >= MaxConsecutiveDrops {
			return Record{}, fmt.Errorf("channel: %d consecutive undecryptable records: %w", drops, err)
		}
	}
}

func droppable(err error) bool {
	var replay *ratchet.ReplayOrExpiredKeyError
	return errors.As(err, &replay) || errors.Is(err, ratchet.ErrTooManySkipped)
}

func (s *Secure) readFrame(ctx context.Context) ([]byte, error) {
	release := netutil.Interrupt(ctx, s.stream, netutil.Read)
	frame, err := s.readFrameLocked()
	if cancelled := release(); cancelled != nil {
		return nil, cancelled
	}
	if err != nil {
		if errors.Is(err, io.EOF) || netutil.IsExpectedCloseError(err) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

func (s *Secure) readFrameLocked() ([]byte, error) {
	if _, err := io.ReadFull(s.stream, s.lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(s.lengthBuf[:])
	if length > MaxRecordSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrRecordTooLarge, length)
	}
	if length < prefixSize+ratchet.HeaderBaseSize+ratchet.Overhead {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedRecord, length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(s.stream, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (s *Secure) open(frame []byte) (Record, error) {
	headerLength := int(binary.BigEndian.Uint16(frame[1:3]))
	if headerLength > MaxHeaderSize || prefixSize+headerLength > len(frame) {
		return Record{}, fmt.Errorf("%w: header length %d", ErrMalformedRecord, headerLength)
	}
	split := prefixSize + headerLength
	record := Record{Kind: Kind(frame[0]), Header: frame[prefixSize:split]}
	body, err := s.state.Open(frame[split:], frame[:split])
	if err != nil {
		return record, err
	}
	record.Body = body
	return record, nil
}

// Stats returns record counters and the ratchet's own.
func (s *Secure) Stats() Stats {
	return Stats{
		Sent:     s.sent.Load(),
		Received: s.received.Load(),
		Dropped:  s.dropped.Load(),
		Ratchet:  s.state.Stats(),
	}
}

// State exposes the ratchet, for fingerprints and diagnostics.
func (s *Secure) State() *ratchet.State { return s.state }

// Close sends a close record if it can, closes the stream, and wipes
// the ratchet state.
func (s *Secure) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := s.send(ctx, KindClose, nil, nil); err != nil {
			s.logger.Debug("close record not sent", "error", err)
		}
		cancel()
		s.closed.Store(true)
		s.closeErr = s.stream.Close()
		s.state.Close()
	})
	return s.closeErr
}
