// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/tallow/lib/config"
	"github.com/bureau-foundation/tallow/lib/netutil"
)

// CHANGE-REQUEST flag bits (RFC 5780 §7.2).
const (
	changeIP   = 0x04
	changePort = 0x02
)

// ErrNoObservers is returned by a Prober with nothing to ask.
var ErrNoObservers = errors.New("nat: no STUN observers configured")

// ProberConfig selects observers and timing.
type ProberConfig struct {
	// Observers are host:port STUN servers.
	Observers []string

	// Timeout bounds each transaction including retransmissions.
	Timeout time.Duration

	// Retransmit is the interval between retransmissions of an
	// unanswered request.
	Retransmit time.Duration

	// ChangeRequest enables the RFC 5780 filtering tests against the
	// first observer that answers.
	ChangeRequest bool
}

// ProberConfigFrom converts the file configuration.
func ProberConfigFrom(c config.NATConfig) ProberConfig {
	return ProberConfig{
		Observers:     c.Observers,
		Timeout:       c.ProbeTimeout,
		ChangeRequest: c.ChangeRequest,
	}
}

// Prober runs STUN Binding transactions.
type Prober struct {
	config ProberConfig
	logger *slog.Logger
}

// NewProber returns a Prober. Zero timings get defaults.
func NewProber(config ProberConfig, logger *slog.Logger) *Prober {
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.Retransmit <= 0 {
		config.Retransmit = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Prober{config: config, logger: logger}
}

// Probe opens a fresh UDP socket and probes from it.
func (p *Prober) Probe(ctx context.Context) (ProbeResults, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return ProbeResults{}, fmt.Errorf("nat: opening probe socket: %w", err)
	}
	defer conn.Close()
	return p.ProbeConn(ctx, conn)
}

// ProbeConn probes from conn, which must not be read by anyone else
// for the duration. Every observer is asked concurrently. Observers
// that do not answer are recorded without a mapping; only context
// cancellation is an error.
func (p *Prober) ProbeConn(ctx context.Context, conn net.PacketConn) (ProbeResults, error) {
	if len(p.config.Observers) == 0 {
		return ProbeResults{}, ErrNoObservers
	}
	session := newProbeSession(conn, p.logger)
	defer session.stop()

	results := ProbeResults{
		Local:        localAddresses(conn.LocalAddr()),
		Observations: make([]Observation, len(p.config.Observers)),
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for index, observer := range p.config.Observers {
		group.Go(func() error {
			results.Observations[index] = p.observe(groupCtx, session, observer)
			return nil
		})
	}
	group.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}

	if p.config.ChangeRequest {
		for _, observation := range results.Observations {
			if observation.Responded() {
				results.Filtering = p.filtering(ctx, session, observation.Server)
				break
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (p *Prober) observe(ctx context.Context, session *probeSession, observer string) Observation {
	observation := Observation{Observer: observer}
	server, err := resolve(ctx, observer)
	if err != nil {
		p.logger.Debug("stun observer unresolvable", "observer", observer, "error", err)
		return observation
	}
	observation.Server = server

	response, rtt, err := session.transact(ctx, server, 0, p.config.Timeout, p.config.Retransmit)
	if err != nil {
		p.logger.Debug("stun observer did not answer", "observer", observer, "error", err)
		return observation
	}
	mapped, err := mappedAddress(response.message)
	if err != nil {
		p.logger.Debug("stun response without mapping", "observer", observer, "error", err)
		return observation
	}
	observation.Mapped = mapped
	observation.RTT = rtt
	p.logger.Debug("stun mapping observed", "observer", observer, "mapped", mapped, "rtt", rtt)
	return observation
}

// filtering asks server to answer from a different address, and then
// from a different port only. An answer counts only if it really came
// from elsewhere; servers without RFC 5780 support answer from the
// original address.
func (p *Prober) filtering(ctx context.Context, session *probeSession, server netip.AddrPort) Filtering {
	result := Filtering{Tested: true}
	var group errgroup.Group
	group.Go(func() error {
		response, _, err := session.transact(ctx, server, changeIP|changePort, p.config.Timeout, p.config.Retransmit)
		result.OtherAddress = err == nil && response.from.Addr() != server.Addr()
		return nil
	})
	group.Go(func() error {
		response, _, err := session.transact(ctx, server, changePort, p.config.Timeout, p.config.Retransmit)
		result.OtherPort = err == nil && response.from.Addr() == server.Addr() && response.from.Port() != server.Port()
		return nil
	})
	group.Wait()
	return result
}

func resolve(ctx context.Context, hostport string) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(hostport); err == nil {
		return addr, nil
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no IPv4 address for %s", host)
	}
	portNumber, err := net.LookupPort("udp", port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(portNumber)), nil
}

func mappedAddress(message *stun.Message) (netip.AddrPort, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(message); err == nil {
		return addrPort(xor.IP, xor.Port)
	}
	var plain stun.MappedAddress
	if err := plain.GetFrom(message); err != nil {
		return netip.AddrPort{}, err
	}
	return addrPort(plain.IP, plain.Port)
}

func addrPort(ip net.IP, port int) (netip.AddrPort, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok || port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("invalid mapped address %v:%d", ip, port)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// localAddresses expands a wildcard bind into the host's interface
// addresses at the bound port.
func localAddresses(local net.Addr) []netip.AddrPort {
	udp, ok := local.(*net.UDPAddr)
	if !ok {
		return nil
	}
	bound := udp.AddrPort()
	if !bound.Addr().Unmap().IsUnspecified() {
		return []netip.AddrPort{netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port())}
	}
	addrs, err := InterfaceAddresses()
	if err != nil {
		return nil
	}
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, netip.AddrPortFrom(addr, bound.Port()))
	}
	return out
}

// InterfaceAddresses lists the addresses of interfaces that are up.
func InterfaceAddresses() ([]netip.Addr, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			prefix, err := netip.ParsePrefix(addr.String())
			if err != nil {
				continue
			}
			out = append(out, prefix.Addr().Unmap())
		}
	}
	return out, nil
}

type stunResponse struct {
	message *stun.Message
	from    netip.AddrPort
}

// probeSession multiplexes STUN transactions over one socket.
type probeSession struct {
	conn   net.PacketConn
	logger *slog.Logger

	mu      sync.Mutex
	pending map[[stun.TransactionIDSize]byte]chan stunResponse

	done chan struct{}
}

func newProbeSession(conn net.PacketConn, logger *slog.Logger) *probeSession {
	s := &probeSession{
		conn:    conn,
		logger:  logger,
		pending: make(map[[stun.TransactionIDSize]byte]chan stunResponse),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// stop unblocks the reader with a past deadline and waits for it. The
// deadline is cleared afterwards so the caller can keep using conn.
func (s *probeSession) stop() {
	s.conn.SetReadDeadline(time.Unix(1, 0))
	<-s.done
	s.conn.SetReadDeadline(time.Time{})
}

func (s *probeSession) readLoop() {
	defer close(s.done)
	buffer := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFrom(buffer)
		if err != nil {
			if netutil.IsTimeout(err) || netutil.IsExpectedCloseError(err) {
				return
			}
			s.logger.Debug("stun read failed", "error", err)
			return
		}
		if !stun.IsMessage(buffer[:n]) {
			continue
		}
		message := &stun.Message{Raw: append([]byte(nil), buffer[:n]...)}
		if err := message.Decode(); err != nil {
			continue
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		source := udp.AddrPort()
		source = netip.AddrPortFrom(source.Addr().Unmap(), source.Port())

		s.mu.Lock()
		wait, ok := s.pending[message.TransactionID]
		if ok {
			delete(s.pending, message.TransactionID)
		}
		s.mu.Unlock()
		if ok {
			wait <- stunResponse{message: message, from: source}
		}
	}
}

// transact sends one Binding request and retransmits it until a
// success response arrives or timeout passes.
func (s *probeSession) transact(ctx context.Context, server netip.AddrPort, flags byte, timeout, retransmit time.Duration) (stunResponse, time.Duration, error) {
	request, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.NewSoftware("tallow"))
	if err != nil {
		return stunResponse{}, 0, err
	}
	if flags != 0 {
		request.Add(stun.AttrChangeRequest, []byte{0, 0, 0, flags})
	}
	wait := make(chan stunResponse, 1)
	s.mu.Lock()
	s.pending[request.TransactionID] = wait
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, request.TransactionID)
		s.mu.Unlock()
	}()

	target := net.UDPAddrFromAddrPort(server)
	start := time.Now()
	if _, err := s.conn.WriteTo(request.Raw, target); err != nil {
		return stunResponse{}, 0, fmt.Errorf("sending binding request: %w", err)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	resend := time.NewTicker(retransmit)
	defer resend.Stop()

	for {
		select {
		case <-ctx.Done():
			return stunResponse{}, 0, ctx.Err()
		case <-deadline.C:
			return stunResponse{}, 0, fmt.Errorf("no answer from %s within %s", server, timeout)
		case <-resend.C:
			s.conn.WriteTo(request.Raw, target)
		case response := <-wait:
			if response.message.Type != stun.BindingSuccess {
				return stunResponse{}, 0, fmt.Errorf("unexpected %s from %s", response.message.Type, server)
			}
			return response, time.Since(start), nil
		}
	}
}
