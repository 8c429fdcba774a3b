// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/tallow/transport"
)

// Stream is an ordered, reliable byte stream that reports how much
// written data has not yet left the process.
type Stream interface {
	io.ReadWriteCloser

	// Buffered is the number of written bytes not yet handed to the
	// network.
	Buffered() int

	// SetLowWater sets the level at or below which Drained fires.
	SetLowWater(n int)

	// Drained receives a token each time Buffered falls to the low
	// water mark.
	Drained() <-chan struct{}

	Path() PathKind
}

// DefaultQueueSize bounds the write queue of TCP-backed streams.
const DefaultQueueSize = 4 << 20

// ErrStreamClosed is returned by writes after Close.
var ErrStreamClosed = errors.New("channel: stream closed")

// flushTimeout bounds how long Close waits for queued bytes to reach
// the connection.
const flushTimeout = 5 * time.Second

// Direct wraps a WebRTC data channel. Its buffered amount comes from
// the SCTP association.
func Direct(conn *transport.DataChannelConn) Stream {
	return &dataChannelStream{DataChannelConn: conn}
}

type dataChannelStream struct {
	*transport.DataChannelConn
}

func (s *dataChannelStream) Buffered() int  { return s.BufferedAmount() }
func (s *dataChannelStream) Path() PathKind { return PathDirect }

// DirectConn wraps a direct TCP connection. queueSize bounds the write
// queue; zero means DefaultQueueSize.
func DirectConn(conn net.Conn, queueSize int) Stream {
	return newQueuedStream(conn, PathDirect, queueSize)
}

// Relay wraps a connection bridged through a relay.
func Relay(conn net.Conn, queueSize int) Stream {
	return newQueuedStream(conn, PathRelay, queueSize)
}

// queuedStream gives a net.Conn a bounded FIFO of pending writes.
// Write blocks while the queue is full; a single writer goroutine moves
// entries to the connection. Each Write is queued whole, so a write
// that times out waiting for space leaves nothing partial behind.
type queuedStream struct {
	conn     net.Conn
	path     PathKind
	capacity int

	mu            sync.Mutex
	entries       [][]byte
	size          int
	lowWater      int
	writeDeadline time.Time
	writeErr      error
	closing       bool

	notify   chan struct{} // data queued
	space    chan struct{} // entries popped
	wake     chan struct{} // closed and replaced when the deadline changes
	drained  chan struct{}
	closed   chan struct{}
	done     chan struct{}
	closeErr error
	once     sync.Once
}

func newQueuedStream(conn net.Conn, path PathKind, capacity int) *queuedStream {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	s := &queuedStream{
		conn:     conn,
		path:     path,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		wake:     make(chan struct{}),
		drained:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.flush()
	return s
}

func (s *queuedStream) Path() PathKind { return s.path }

func (s *queuedStream) Read(buffer []byte) (int, error) { return s.conn.Read(buffer) }

func (s *queuedStream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *queuedStream) SetLowWater(n int) {
	s.mu.Lock()
	s.lowWater = n
	s.mu.Unlock()
}

func (s *queuedStream) Drained() <-chan struct{} { return s.drained }

// Write copies buffer into the queue. It blocks until the queue has
// room, the write deadline passes, or the stream closes. An entry
// larger than the whole queue is accepted once the queue is empty.
func (s *queuedStream) Write(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return 0, ErrStreamClosed
		}
		if s.writeErr != nil {
			err := s.writeErr
			s.mu.Unlock()
			return 0, err
		}
		if s.size == 0 || s.size+len(buffer) <= s.capacity {
			s.entries = append(s.entries, append([]byte(nil), buffer...))
			s.size += len(buffer)
			s.mu.Unlock()
			signal(s.notify)
			return len(buffer), nil
		}
		deadline, wake := s.writeDeadline, s.wake
		s.mu.Unlock()

		if err := s.waitForSpace(deadline, wake); err != nil {
			return 0, err
		}
	}
}

func (s *queuedStream) waitForSpace(deadline time.Time, wake <-chan struct{}) error {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-s.space:
		return nil
	case <-wake:
		return nil
	case <-expired:
		return os.ErrDeadlineExceeded
	case <-s.closed:
		return ErrStreamClosed
	}
}

func (s *queuedStream) flush() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.entries) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.closed:
				continue
			}
		}
		entry := s.entries[0]
		s.mu.Unlock()

		_, err := s.conn.Write(entry)

		s.mu.Lock()
		if err != nil {
			if s.writeErr == nil {
				s.writeErr = err
			}
			s.entries, s.size = nil, 0
			s.mu.Unlock()
			signal(s.space)
			return
		}
		s.entries[0] = nil
		s.entries = s.entries[1:]
		before := s.size
		s.size -= len(entry)
		crossed := before > s.lowWater && s.size <= s.lowWater
		s.mu.Unlock()
		signal(s.space)
		if crossed {
			signal(s.drained)
		}
	}
}

// Close stops accepting writes, waits briefly for queued bytes to be
// written, then closes the connection.
func (s *queuedStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		close(s.closed)
		timer := time.NewTimer(flushTimeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
		}
		s.closeErr = s.conn.Close()
		<-s.done
	})
	return s.closeErr
}

// SetDeadline applies to reads on the connection and to waits for
// queue space.
func (s *queuedStream) SetDeadline(deadline time.Time) error {
	s.SetWriteDeadline(deadline)
	return s.conn.SetReadDeadline(deadline)
}

func (s *queuedStream) SetReadDeadline(deadline time.Time) error {
	return s.conn.SetReadDeadline(deadline)
}

// SetWriteDeadline bounds how long Write waits for queue space.
func (s *queuedStream) SetWriteDeadline(deadline time.Time) error {
	s.mu.Lock()
	s.writeDeadline = deadline
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
