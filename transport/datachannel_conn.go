// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DataChannelConn wraps a detached pion data channel ReadWriteCloser as a
// net.Conn. SCTP handles message fragmentation and reassembly, so this
// behaves like a TCP connection to the secure channel above it.
//
// Deadlines are timer-based: when one fires the underlying stream is
// closed, causing any blocked Read or Write to return an error. An
// expired deadline therefore ends the connection, unlike TCP.
//
// When built by WebRTC the conn owns its PeerConnection and reports the
// SCTP buffered amount. Conns built with NewDataChannelConn over plain
// streams report zero and never signal a drain.
type DataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string

	channel    *webrtc.DataChannel
	connection *webrtc.PeerConnection

	readMu     sync.Mutex
	readBuffer []byte
	unread     []byte

	// drained receives a token each time the buffered amount falls to
	// the threshold set by SetLowWater.
	drained chan struct{}

	// Deadline state. Once deadlineClosed is set the conn is
	// permanently broken.
	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
	closeOnce      sync.Once
	closeErr       error
}

// Compile-time interface check.
var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps a detached pion data channel as a net.Conn.
// localLabel identifies the local endpoint (for logging/addr); peerLabel
// identifies the remote endpoint.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *DataChannelConn {
	return &DataChannelConn{
		rwc:        rwc,
		localLabel: localLabel,
		peerLabel:  peerLabel,
		drained:    make(chan struct{}, 1),
	}
}

// newWebRTCConn takes ownership of connection.
func newWebRTCConn(rwc io.ReadWriteCloser, channel *webrtc.DataChannel, connection *webrtc.PeerConnection, localLabel, peerLabel string) *DataChannelConn {
	conn := NewDataChannelConn(rwc, localLabel, peerLabel)
	conn.channel = channel
	conn.connection = connection
	return conn
}

// BufferedAmount is the number of bytes queued in SCTP and not yet
// acknowledged by the peer.
func (c *DataChannelConn) BufferedAmount() int {
	if c.channel == nil {
		return 0
	}
	return int(c.channel.BufferedAmount())
}

// SetLowWater arms the drain signal: Drained receives a token whenever
// the buffered amount falls to threshold.
func (c *DataChannelConn) SetLowWater(threshold int) {
	if c.channel == nil {
		return
	}
	c.channel.SetBufferedAmountLowThreshold(uint64(threshold))
	c.channel.OnBufferedAmountLow(func() {
		select {
		case c.drained <- struct{}{}:
		default:
		}
	})
}

// Drained delivers the signal armed by SetLowWater. Tokens do not
// accumulate: a reader that falls behind sees at most one.
func (c *DataChannelConn) Drained() <-chan struct{} {
	return c.drained
}

// SCTP preserves message boundaries. Writes are split into messages of
// at most messageSize, and reads go through a buffer large enough for
// any message a peer may send, so callers see a plain byte stream.
const (
	messageSize    = 16 << 10
	readBufferSize = 64 << 10
)

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.unread) == 0 {
		if c.readBuffer == nil {
			c.readBuffer = make([]byte, readBufferSize)
		}
		count, err := c.rwc.Read(c.readBuffer)
		if count == 0 {
			return 0, err
		}
		c.unread = c.readBuffer[:count]
	}
	copied := copy(buffer, c.unread)
	c.unread = c.unread[copied:]
	return copied, nil
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	written := 0
	for written < len(buffer) {
		end := min(written+messageSize, len(buffer))
		count, err := c.rwc.Write(buffer[written:end])
		written += count
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close closes the data channel and, when owned, its PeerConnection.
func (c *DataChannelConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopTimersLocked()
		c.mu.Unlock()
		c.closeErr = c.rwc.Close()
		if c.connection != nil {
			if err := c.connection.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// LocalAddr returns a synthetic address identifying the local data channel endpoint.
func (c *DataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.localLabel}
}

// RemoteAddr returns a synthetic address identifying the remote data channel endpoint.
func (c *DataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.peerLabel}
}

// SetDeadline sets both read and write deadlines. A zero value clears the deadline.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setReadDeadlineLocked(deadline)
	c.setWriteDeadlineLocked(deadline)
	return nil
}

// SetReadDeadline sets the read deadline. When the deadline fires, pending
// reads return an error. A zero value clears the deadline.
func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setReadDeadlineLocked(deadline)
	return nil
}

// SetWriteDeadline sets the write deadline. When the deadline fires, pending
// writes return an error. A zero value clears the deadline.
func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setWriteDeadlineLocked(deadline)
	return nil
}

func (c *DataChannelConn) setReadDeadlineLocked(deadline time.Time) {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if deadline.IsZero() || c.deadlineClosed {
		return
	}
	duration := time.Until(deadline)
	if duration <= 0 {
		c.closeFromDeadline()
		return
	}
	c.readTimer = time.AfterFunc(duration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadline()
	})
}

func (c *DataChannelConn) setWriteDeadlineLocked(deadline time.Time) {
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
	if deadline.IsZero() || c.deadlineClosed {
		return
	}
	duration := time.Until(deadline)
	if duration <= 0 {
		c.closeFromDeadline()
		return
	}
	c.writeTimer = time.AfterFunc(duration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadline()
	})
}

// closeFromDeadline closes the underlying stream to unblock pending I/O.
// Must be called with c.mu held.
func (c *DataChannelConn) closeFromDeadline() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func (c *DataChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}

// dataChannelAddr is a synthetic net.Addr for data channel connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "webrtc" }
func (a *dataChannelAddr) String() string  { return a.label }
