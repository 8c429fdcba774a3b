// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/tallow/lib/clock"
)

// RelayPoolConfig tunes demotion.
type RelayPoolConfig struct {
	// FailureThreshold consecutive failed probes demote a relay.
	FailureThreshold int

	// Cooldown is the minimum time a demoted relay stays demoted. The
	// first successful probe after it promotes the relay.
	Cooldown time.Duration

	// Alpha weights the newest sample of latency and success.
	Alpha float64
}

func (c RelayPoolConfig) withDefaults() RelayPoolConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}
	return c
}

// RelayHealth is the observed state of one relay.
type RelayHealth struct {
	Address string

	// Latency averages successful probes. Zero until the first one.
	Latency time.Duration

	// SuccessRate starts at 1 and follows probe results.
	SuccessRate float64

	ConsecutiveFailures int
	Demoted             bool
	DemotedAt           time.Time
	Probes              int64
}

type relayEntry struct {
	endpoint RelayEndpoint
	health   RelayHealth
}

// RelayPool tracks the configured relays. It is safe for concurrent use.
type RelayPool struct {
	config RelayPoolConfig
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	relays []*relayEntry
}

// NewRelayPool starts every relay healthy and unprobed.
func NewRelayPool(endpoints []RelayEndpoint, config RelayPoolConfig, clk clock.Clock, logger *slog.Logger) *RelayPool {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool := &RelayPool{config: config.withDefaults(), clock: clk, logger: logger}
	for _, endpoint := range endpoints {
		pool.relays = append(pool.relays, &relayEntry{
			endpoint: endpoint,
			health:   RelayHealth{Address: endpoint.Address, SuccessRate: 1},
		})
	}
	return pool
}

func (p *RelayPool) find(address string) *relayEntry {
	for _, entry := range p.relays {
		if entry.endpoint.Address == address {
			return entry
		}
	}
	return nil
}

// Record folds one probe or session result into the relay's health.
// Unknown addresses are ignored.
func (p *RelayPool) Record(address string, latency time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.find(address)
	if entry == nil {
		return
	}
	health := &entry.health
	health.Probes++
	now := p.clock.Now()

	if err != nil {
		health.SuccessRate = ewma(health.SuccessRate, 0, p.config.Alpha)
		health.ConsecutiveFailures++
		if health.Demoted {
			// A failed retry restarts the cooldown.
			health.DemotedAt = now
			p.logger.Debug("demoted relay still failing", "relay", address, "error", err)
			return
		}
		if health.ConsecutiveFailures >= p.config.FailureThreshold {
			health.Demoted = true
			health.DemotedAt = now
			p.logger.Warn("relay demoted",
				"relay", address,
				"consecutive_failures", health.ConsecutiveFailures,
				"error", err,
			)
		}
		return
	}

	health.SuccessRate = ewma(health.SuccessRate, 1, p.config.Alpha)
	if health.Latency == 0 {
		health.Latency = latency
	} else {
		health.Latency = time.Duration(ewma(float64(health.Latency), float64(latency), p.config.Alpha))
	}
	health.ConsecutiveFailures = 0
	if health.Demoted && now.Sub(health.DemotedAt) >= p.config.Cooldown {
		health.Demoted = false
		health.DemotedAt = time.Time{}
		p.logger.Info("relay promoted", "relay", address, "latency", latency)
	}
}

// Best returns the healthiest relay that is not demoted: highest
// success rate, then lowest measured latency, then configuration order.
func (p *RelayPool) Best() (RelayEndpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var candidates []*relayEntry
	for _, entry := range p.relays {
		if !entry.health.Demoted {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return RelayEndpoint{}, false
	}
	slices.SortStableFunc(candidates, func(a, b *relayEntry) int {
		if c := cmp.Compare(b.health.SuccessRate, a.health.SuccessRate); c != 0 {
			return c
		}
		return compareLatency(a.health.Latency, b.health.Latency)
	})
	return candidates[0].endpoint, true
}

// Unmeasured latency sorts after any measurement.
func compareLatency(a, b time.Duration) int {
	switch {
	case a == b:
		return 0
	case a == 0:
		return 1
	case b == 0:
		return -1
	default:
		return cmp.Compare(a, b)
	}
}

// Health returns a copy of every relay's state in configuration order.
func (p *RelayPool) Health() []RelayHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	health := make([]RelayHealth, len(p.relays))
	for index, entry := range p.relays {
		health[index] = entry.health
	}
	return health
}

// Due lists the relays worth probing now: every healthy relay and every
// demoted relay whose cooldown has passed.
func (p *RelayPool) Due() []RelayEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	var due []RelayEndpoint
	for _, entry := range p.relays {
		if entry.health.Demoted && now.Sub(entry.health.DemotedAt) < p.config.Cooldown {
			continue
		}
		due = append(due, entry.endpoint)
	}
	return due
}

// ProbeFunc checks one relay. The pool measures its duration.
type ProbeFunc func(ctx context.Context, endpoint RelayEndpoint) error

// ProbeAll probes every due relay concurrently and records the results.
// It returns when all probes finish or ctx is done.
func (p *RelayPool) ProbeAll(ctx context.Context, probe ProbeFunc) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, endpoint := range p.Due() {
		group.Go(func() error {
			started := p.clock.Now()
			err := probe(groupCtx, endpoint)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Record(endpoint.Address, p.clock.Now().Sub(started), err)
			return nil
		})
	}
	return group.Wait()
}
