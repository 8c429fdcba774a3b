// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIdle ends a Splice when neither direction moved a byte for the
// idle timeout.
var ErrIdle = errors.New("netutil: splice idle timeout")

// ErrByteLimit ends a Splice when the combined byte count passes the
// limit.
var ErrByteLimit = errors.New("netutil: splice byte limit exceeded")

// SpliceOptions bound a Splice. Zero values disable each bound.
type SpliceOptions struct {
	IdleTimeout time.Duration
	ByteLimit   int64
}

// SpliceStats counts payload bytes per direction.
type SpliceStats struct {
	AToB int64
	BToA int64
}

// Total is the sum of both directions.
func (s SpliceStats) Total() int64 { return s.AToB + s.BToA }

// Splice copies bytes between a and b until both directions finish,
// ctx is cancelled, or a bound trips. A direction that reaches EOF
// half-closes its destination when it supports CloseWrite, so one
// peer finishing its upload does not cut off the other's download.
// Both connections are closed before Splice returns.
func Splice(ctx context.Context, a, b net.Conn, options SpliceOptions) (SpliceStats, error) {
	s := &splice{options: options}
	s.lastActivity.Store(time.Now().UnixNano())

	stop := context.AfterFunc(ctx, func() {
		s.fail(ctx.Err())
		a.Close()
		b.Close()
	})
	defer stop()

	var waitGroup sync.WaitGroup
	waitGroup.Add(2)
	go func() {
		defer waitGroup.Done()
		s.copy(b, a, &s.aToB, func() { a.Close(); b.Close() })
	}()
	go func() {
		defer waitGroup.Done()
		s.copy(a, b, &s.bToA, func() { a.Close(); b.Close() })
	}()
	waitGroup.Wait()
	a.Close()
	b.Close()

	stats := SpliceStats{AToB: s.aToB.Load(), BToA: s.bToA.Load()}
	return stats, s.err()
}

type splice struct {
	options      SpliceOptions
	lastActivity atomic.Int64
	aToB, bToA   atomic.Int64

	mu       sync.Mutex
	firstErr error
}

func (s *splice) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *splice) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *splice) copy(destination, source net.Conn, counter *atomic.Int64, abort func()) {
	buffer := make([]byte, 32<<10)
	for {
		if s.options.IdleTimeout > 0 {
			source.SetReadDeadline(time.Now().Add(s.options.IdleTimeout))
		}
		n, readErr := source.Read(buffer)
		if n > 0 {
			s.lastActivity.Store(time.Now().UnixNano())
			total := counter.Add(int64(n))
			if limit := s.options.ByteLimit; limit > 0 && total+s.other(counter) > limit {
				s.fail(ErrByteLimit)
				abort()
				return
			}
			if _, err := destination.Write(buffer[:n]); err != nil {
				if !IsExpectedCloseError(err) {
					s.fail(err)
				}
				abort()
				return
			}
		}
		if readErr == nil {
			continue
		}
		if IsTimeout(readErr) {
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle < s.options.IdleTimeout {
				continue
			}
			s.fail(ErrIdle)
			abort()
			return
		}
		if !IsExpectedCloseError(readErr) {
			s.fail(readErr)
			abort()
			return
		}
		if halfCloser, ok := destination.(interface{ CloseWrite() error }); ok {
			halfCloser.CloseWrite()
			return
		}
		abort()
		return
	}
}

func (s *splice) other(counter *atomic.Int64) int64 {
	if counter == &s.aToB {
		return s.bToA.Load()
	}
	return s.aToB.Load()
}
