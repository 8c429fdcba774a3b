// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/lib/config"
	"github.com/bureau-foundation/tallow/nat"
	"github.com/bureau-foundation/tallow/relay"
)

// SelectorConfig tunes decisions.
type SelectorConfig struct {
	// DirectTimeout is the direct budget when history has nothing
	// better. It is also the upper bound for learned timeouts.
	DirectTimeout time.Duration

	// AggressiveTimeout bounds the direct probe raced against a relay,
	// and is the lower bound for learned timeouts.
	AggressiveTimeout time.Duration

	// Epsilon is the probability of flipping the initial mode to
	// explore. Zero disables exploration.
	Epsilon float64

	// MinSamples attempts are needed before history overrides the
	// decision table.
	MinSamples int64

	// TimeoutFactor scales the learned connect time into a timeout.
	TimeoutFactor float64

	CredentialLifetime time.Duration
}

// DefaultSelectorConfig matches the configuration file defaults.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		DirectTimeout:      5 * time.Second,
		AggressiveTimeout:  1500 * time.Millisecond,
		Epsilon:            0.05,
		MinSamples:         3,
		TimeoutFactor:      3,
		CredentialLifetime: relay.DefaultCredentialLifetime,
	}
}

// SelectorConfigFrom maps the strategy section of the config file.
func SelectorConfigFrom(cfg config.StrategyConfig) SelectorConfig {
	result := DefaultSelectorConfig()
	if cfg.DirectTimeout > 0 {
		result.DirectTimeout = cfg.DirectTimeout
	}
	if cfg.AggressiveTimeout > 0 {
		result.AggressiveTimeout = cfg.AggressiveTimeout
	}
	result.Epsilon = cfg.Epsilon
	return result
}

func (c SelectorConfig) withDefaults() SelectorConfig {
	defaults := DefaultSelectorConfig()
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = defaults.DirectTimeout
	}
	if c.AggressiveTimeout <= 0 {
		c.AggressiveTimeout = defaults.AggressiveTimeout
	}
	if c.AggressiveTimeout > c.DirectTimeout {
		c.AggressiveTimeout = c.DirectTimeout
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaults.MinSamples
	}
	if c.TimeoutFactor <= 0 {
		c.TimeoutFactor = defaults.TimeoutFactor
	}
	if c.CredentialLifetime <= 0 {
		c.CredentialLifetime = defaults.CredentialLifetime
	}
	return c
}

// Selector produces decisions from the NAT pair, history and relay
// health. It is safe for concurrent use.
type Selector struct {
	config SelectorConfig
	stats  StatsStore
	relays *RelayPool
	logger *slog.Logger

	// random returns a value in [0,1). Replaced in tests.
	random func() float64
}

// NewSelector wires a selector. stats and relays may be nil: without
// stats the decision table is used as is, and without relays every
// decision is direct.
func NewSelector(config SelectorConfig, stats StatsStore, relays *RelayPool, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Selector{
		config: config.withDefaults(),
		stats:  stats,
		relays: relays,
		logger: logger,
		random: rand.Float64,
	}
}

// Success and direct rates above which history marks the direct path as
// known-good, and the direct rate below which it is known-bad.
const (
	knownGoodRate = 0.5
	knownBadRate  = 0.2
)

// Select decides how to connect. The relay credential is minted for
// token, which both peers must share.
func (s *Selector) Select(ctx context.Context, local, remote nat.Classification, token relay.Token) Decision {
	pair := Pair{Local: local, Remote: remote}
	decision := s.table(pair)
	if decision.Mode != RelayOnly {
		s.applyHistory(ctx, &decision)
		if s.config.Epsilon > 0 && s.random() < s.config.Epsilon {
			s.explore(&decision)
		}
	}

	if s.relays != nil {
		if endpoint, ok := s.relays.Best(); ok {
			assignment := &RelayAssignment{Endpoint: endpoint}
			if endpoint.Issuer != nil {
				assignment.Credential = endpoint.Issuer.Issue(token, s.config.CredentialLifetime)
			}
			decision.Relay = assignment
		}
	}
	if decision.Relay == nil && decision.Mode == RelayFirst {
		// Racing a relay that does not exist leaves only the direct
		// path, so give it the full budget.
		decision.Mode = DirectFirst
		decision.DirectTimeout = s.config.DirectTimeout
	}

	relayAddress := ""
	if decision.Relay != nil {
		relayAddress = decision.Relay.Endpoint.Address
	}
	s.logger.Debug("strategy decision",
		"pair", pair.String(),
		"mode", decision.Mode.String(),
		"direct_timeout", decision.DirectTimeout,
		"relay", relayAddress,
		"confidence", decision.Confidence,
		"explored", decision.Explored,
	)
	return decision
}

// table is the static decision for a NAT pair.
func (s *Selector) table(pair Pair) Decision {
	decision := Decision{Pair: pair}
	switch {
	case pair.Local == nat.Blocked || pair.Remote == nat.Blocked:
		decision.Mode = RelayOnly
		decision.Confidence = 0.9
	case pair.Local == nat.Symmetric || pair.Remote == nat.Symmetric:
		decision.Mode = RelayFirst
		decision.DirectTimeout = s.config.AggressiveTimeout
		decision.Confidence = 0.6
	case pair.Local.Cone() && pair.Remote.Cone():
		decision.Mode = DirectFirst
		decision.DirectTimeout = s.config.DirectTimeout
		decision.Confidence = 0.7
		if pair.Local == nat.Open || pair.Remote == nat.Open {
			decision.Confidence = 0.8
		}
	default:
		decision.Mode = DirectFirst
		decision.DirectTimeout = s.config.DirectTimeout
		decision.Confidence = 0.3
	}
	return decision
}

// applyHistory overrides the table when the pair has enough samples.
// A pair whose direct path keeps winning goes direct-first with a
// timeout learned from its connect time. A pair whose direct path keeps
// losing goes relay-first.
func (s *Selector) applyHistory(ctx context.Context, decision *Decision) {
	if s.stats == nil {
		return
	}
	var best History
	for _, mode := range []Mode{DirectFirst, RelayFirst} {
		history, err := s.stats.Lookup(ctx, decision.Pair, mode)
		if err != nil {
			s.logger.Warn("reading strategy history", "pair", decision.Pair.String(), "mode", mode.String(), "error", err)
			continue
		}
		if history.Attempts >= s.config.MinSamples && history.Attempts > best.Attempts {
			best = history
		}
	}
	if best.Attempts == 0 {
		return
	}

	weight := min(float64(best.Attempts)/10, 1)
	switch {
	case best.SuccessRate >= knownGoodRate && best.DirectRate >= knownGoodRate:
		decision.Mode = DirectFirst
		decision.DirectTimeout = s.learnedTimeout(best.ConnectTime)
		decision.Confidence = (1-weight)*decision.Confidence + weight*best.DirectRate
	case best.DirectRate < knownBadRate:
		decision.Mode = RelayFirst
		decision.DirectTimeout = s.config.AggressiveTimeout
		decision.Confidence = (1-weight)*decision.Confidence + weight*(1-best.DirectRate)
	}
}

func (s *Selector) learnedTimeout(connect time.Duration) time.Duration {
	timeout := time.Duration(float64(connect) * s.config.TimeoutFactor)
	return min(max(timeout, s.config.AggressiveTimeout), s.config.DirectTimeout)
}

func (s *Selector) explore(decision *Decision) {
	switch decision.Mode {
	case DirectFirst:
		decision.Mode = RelayFirst
		decision.DirectTimeout = s.config.AggressiveTimeout
	case RelayFirst:
		decision.Mode = DirectFirst
		decision.DirectTimeout = s.config.DirectTimeout
	default:
		return
	}
	decision.Explored = true
	decision.Confidence = 1 - decision.Confidence
}

// Record stores the outcome of the attempt made under decision and
// feeds relay results back into the pool. attemptErr is the error Run
// returned.
func (s *Selector) Record(ctx context.Context, decision Decision, report AttemptReport, attemptErr error) error {
	if s.relays != nil && decision.Relay != nil {
		address := decision.Relay.Endpoint.Address
		if attemptErr == nil && report.Path == channel.PathRelay {
			s.relays.Record(address, report.Elapsed, nil)
		}
		for _, failure := range report.Failures {
			if failure.Path == channel.PathRelay && !errors.Is(failure.Err, context.Canceled) {
				s.relays.Record(address, failure.Elapsed, failure.Err)
			}
		}
	}
	if s.stats == nil {
		return nil
	}
	return s.stats.Record(ctx, Outcome{
		Pair:        decision.Pair,
		Mode:        decision.Mode,
		Success:     attemptErr == nil,
		Path:        report.Path,
		ConnectTime: report.Elapsed,
	})
}
