// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"context"
	"log/slog"
	"net/netip"
)

// GathererConfig configures candidate gathering.
type GathererConfig struct {
	// Relays are relay endpoints to advertise as relayed candidates.
	Relays []netip.AddrPort

	// Policy filters host candidates.
	Policy AddressPolicy

	// Interfaces lists local addresses. Nil means InterfaceAddresses.
	Interfaces func() ([]netip.Addr, error)
}

// Gatherer assembles this side's candidate list.
type Gatherer struct {
	classifier *Classifier
	config     GathererConfig
	logger     *slog.Logger
}

// NewGatherer returns a Gatherer. classifier may be nil, in which case
// no reflexive candidates are produced.
func NewGatherer(classifier *Classifier, config GathererConfig, logger *slog.Logger) *Gatherer {
	if config.Interfaces == nil {
		config.Interfaces = InterfaceAddresses
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gatherer{classifier: classifier, config: config, logger: logger}
}

// Gather returns host candidates at port, the reflexive mappings seen by
// the classifier's last probe, and the configured relays, sorted by
// priority. A failed probe degrades to host and relayed candidates; the
// returned classification is then Unknown.
func (g *Gatherer) Gather(ctx context.Context, port uint16) ([]Candidate, Classification, error) {
	var candidates []Candidate
	seen := make(map[netip.AddrPort]bool)
	add := func(candidate Candidate) {
		if seen[candidate.Address] {
			return
		}
		seen[candidate.Address] = true
		candidates = append(candidates, candidate)
	}

	addrs, err := g.config.Interfaces()
	if err != nil {
		return nil, Unknown, err
	}
	for index, addr := range addrs {
		address := netip.AddrPortFrom(addr.Unmap(), port)
		if g.config.Policy.Validate(address) != nil {
			continue
		}
		// IPv4 before IPv6, then interface order.
		preference := uint16(65535 - index)
		if addr.Unmap().Is6() {
			preference -= 32768
		}
		add(Candidate{Address: address, Kind: Host, Priority: Priority(Host, preference)})
	}

	class := Unknown
	if g.classifier != nil {
		var results ProbeResults
		class, results, err = g.classifier.Classify(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Unknown, ctx.Err()
			}
			g.logger.Warn("nat probe failed, gathering without reflexive candidates", "error", err)
		}
		for index, observation := range results.Observations {
			if !observation.Responded() || g.config.Policy.Validate(observation.Mapped) != nil {
				continue
			}
			add(Candidate{
				Address:  observation.Mapped,
				Kind:     Reflexive,
				Priority: Priority(Reflexive, uint16(65535-index)),
				RTT:      observation.RTT,
			})
		}
	}

	for index, relay := range g.config.Relays {
		add(Candidate{Address: relay, Kind: Relayed, Priority: Priority(Relayed, uint16(65535-index))})
	}
	SortCandidates(candidates)
	return candidates, class, nil
}
