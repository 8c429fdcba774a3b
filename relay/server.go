// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/config"
	"github.com/bureau-foundation/tallow/lib/netutil"
)

const (
	DefaultWaitTimeout  = 60 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultHelloTimeout = 10 * time.Second

	statusWriteTimeout = 5 * time.Second
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on (e.g. ":7443").
	ListenAddr string

	// Issuer verifies client credentials. Required.
	Issuer *Issuer

	// WaitTimeout bounds how long the first client of a token waits
	// for the second.
	WaitTimeout time.Duration

	// IdleTimeout ends a bridged session when neither side sends for
	// this long.
	IdleTimeout time.Duration

	// HelloTimeout bounds the read of the hello frame.
	HelloTimeout time.Duration

	// ByteLimit caps the bytes one session may carry in both
	// directions. Zero is unlimited.
	ByteLimit int64

	Admission AdmissionConfig
	Clock     clock.Clock

	// Logger receives structured log output. Per-connection events are
	// logged at Debug level; refusals and lifecycle events at Info.
	Logger *slog.Logger
}

// ServerConfigFrom maps the relay section of the config file.
func ServerConfigFrom(c config.RelayServerConfig, issuer *Issuer) ServerConfig {
	return ServerConfig{
		ListenAddr:  c.Listen,
		Issuer:      issuer,
		WaitTimeout: c.WaitTimeout,
		IdleTimeout: c.IdleTimeout,
		ByteLimit:   c.ByteLimit,
		Admission: AdmissionConfig{
			RatePerSecond: c.RatePerSecond,
			Burst:         c.Burst,
		},
	}
}

// Server pairs clients that present the same token and forwards bytes
// between them without looking at them.
type Server struct {
	config    ServerConfig
	clock     clock.Clock
	logger    *slog.Logger
	admission *Admission

	listener    net.Listener
	started     time.Time
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup

	mu      sync.Mutex
	waiting map[Token]*waiter
	used    map[Token]time.Time

	accepted atomic.Int64
	refused  atomic.Int64
	paired   atomic.Int64
	active   atomic.Int64
	relayed  atomic.Int64
}

type waiter struct {
	conn    net.Conn
	matched chan struct{}
}

// ServerStats are cumulative counters.
type ServerStats struct {
	Accepted int64
	Refused  int64
	Paired   int64
	Active   int64
	Waiting  int
	// BytesRelayed counts payload in both directions over finished
	// sessions.
	BytesRelayed int64
}

// NewServer validates config.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ListenAddr == "" {
		return nil, errors.New("relay: ListenAddr is required")
	}
	if config.Issuer == nil {
		return nil, errors.New("relay: Issuer is required")
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = DefaultWaitTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.HelloTimeout <= 0 {
		config.HelloTimeout = DefaultHelloTimeout
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config:    config,
		clock:     clk,
		logger:    logger,
		admission: NewAdmission(config.Admission, clk),
		waiting:   make(map[Token]*waiter),
		used:      make(map[Token]time.Time),
	}, nil
}

// Start binds the listener and serves in the background until Stop is
// called or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener
	s.started = s.clock.Now()

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	context.AfterFunc(ctx, func() { listener.Close() })

	go func() {
		defer close(s.done)
		s.acceptLoop(ctx)
	}()

	s.logger.Info("relay started", "listen_addr", listener.Addr().String())
	return nil
}

// Addr returns the listener's address, useful when binding to port 0.
// Returns nil if the server has not been started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, ends every session, and waits for the
// connection goroutines to exit.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.Wait()
}

// Wait blocks until the server has stopped.
func (s *Server) Wait() {
	if s.done != nil {
		<-s.done
	}
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Uptime is the time since Start, or zero before it.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return s.clock.Now().Sub(s.started)
}

// Stats returns current counters.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	waiting := len(s.waiting)
	s.mu.Unlock()
	return ServerStats{
		Accepted:     s.accepted.Load(),
		Refused:      s.refused.Load(),
		Paired:       s.paired.Load(),
		Active:       s.active.Load(),
		Waiting:      waiting,
		BytesRelayed: s.relayed.Load(),
	}
}

// acceptLoop waits for every connection goroutine before returning, so
// that closing done signals full quiescence.
func (s *Server) acceptLoop(ctx context.Context) {
	var connectionCount int64
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.connections.Wait()
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		connectionCount++
		connectionID := connectionCount
		s.accepted.Add(1)
		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.handleConnection(ctx, conn, connectionID)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, connectionID int64) {
	logger := s.logger.With("connection_id", connectionID, "remote_addr", conn.RemoteAddr().String())
	handedOff := false
	defer func() {
		if !handedOff {
			conn.Close()
		}
	}()

	hello := make([]byte, HelloSize)
	conn.SetReadDeadline(time.Now().Add(s.config.HelloTimeout))
	_, err := io.ReadFull(conn, hello)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		logger.Debug("no hello", "error", err)
		s.refused.Add(1)
		return
	}

	if !s.admission.Allow(remoteHost(conn)) {
		s.refuse(logger, conn, StatusRateLimited)
		return
	}
	credential, err := DecodeHello(hello)
	if err != nil {
		s.refuse(logger, conn, StatusBadHello)
		return
	}
	if isProbe(credential) {
		writeStatus(conn, StatusPong)
		return
	}
	if err := s.config.Issuer.Verify(credential); err != nil {
		status := StatusBadCredential
		if errors.Is(err, ErrExpiredCredential) {
			status = StatusExpired
		}
		s.refuse(logger, conn, status)
		return
	}

	logger = logger.With("token", credential.Token.String())
	peer, status := s.join(ctx, credential, conn)
	switch {
	case status != StatusOK:
		s.refuse(logger, conn, status)
		return
	case peer == nil:
		// The second client's goroutine owns this connection now.
		handedOff = true
		return
	}
	handedOff = true
	s.bridge(ctx, logger, peer, conn)
}

// join registers conn under the credential's token. The first client
// waits; the second gets the first's connection back and runs the
// bridge. A nil peer with StatusOK means conn was taken by the second
// client.
func (s *Server) join(ctx context.Context, credential Credential, conn net.Conn) (net.Conn, Status) {
	token := credential.Token
	now := s.clock.Now()

	s.mu.Lock()
	for used, expiry := range s.used {
		if !now.Before(expiry) {
			delete(s.used, used)
		}
	}
	if _, ok := s.used[token]; ok {
		s.mu.Unlock()
		return nil, StatusTokenInUse
	}
	if w, ok := s.waiting[token]; ok {
		delete(s.waiting, token)
		s.used[token] = credential.Expiry
		s.mu.Unlock()
		close(w.matched)
		return w.conn, StatusOK
	}
	w := &waiter{conn: conn, matched: make(chan struct{})}
	s.waiting[token] = w
	s.mu.Unlock()

	timeout := s.clock.After(s.config.WaitTimeout)
	select {
	case <-w.matched:
		return nil, StatusOK
	case <-timeout:
	case <-ctx.Done():
	}
	s.mu.Lock()
	if s.waiting[token] == w {
		delete(s.waiting, token)
		s.mu.Unlock()
		return nil, StatusPeerTimeout
	}
	s.mu.Unlock()
	// Matched while timing out; the bridge owns conn.
	<-w.matched
	return nil, StatusOK
}

func (s *Server) bridge(ctx context.Context, logger *slog.Logger, first, second net.Conn) {
	if err := writeStatus(first, StatusOK); err != nil {
		logger.Debug("first client gone before pairing", "error", err)
		first.Close()
		writeStatus(second, StatusPeerTimeout)
		second.Close()
		return
	}
	if err := writeStatus(second, StatusOK); err != nil {
		first.Close()
		second.Close()
		return
	}

	s.paired.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)
	logger.Debug("session paired")

	stats, err := netutil.Splice(ctx, first, second, netutil.SpliceOptions{
		IdleTimeout: s.config.IdleTimeout,
		ByteLimit:   s.config.ByteLimit,
	})
	s.relayed.Add(stats.Total())
	attrs := []any{"bytes_first_to_second", stats.AToB, "bytes_second_to_first", stats.BToA}
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("session ended", attrs...)
	case errors.Is(err, netutil.ErrIdle), errors.Is(err, netutil.ErrByteLimit):
		logger.Info("session cut", append(attrs, "reason", err.Error())...)
	default:
		logger.Debug("session ended", append(attrs, "error", err)...)
	}
}

func (s *Server) refuse(logger *slog.Logger, conn net.Conn, status Status) {
	s.refused.Add(1)
	logger.Info("refused client", "status", status.String())
	writeStatus(conn, status)
}

func writeStatus(conn net.Conn, status Status) error {
	conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	_, err := conn.Write([]byte{byte(status)})
	return err
}

func remoteHost(conn net.Conn) string {
	address := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
