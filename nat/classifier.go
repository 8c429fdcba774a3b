// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package nat

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/bureau-foundation/tallow/lib/digest"
)

// ProbeRunner is satisfied by *Prober.
type ProbeRunner interface {
	Probe(ctx context.Context) (ProbeResults, error)
}

// Classifier caches a classification per network attachment.
type Classifier struct {
	prober     ProbeRunner
	attachment func() (digest.Hash, error)
	logger     *slog.Logger

	mu      sync.Mutex
	valid   bool
	key     digest.Hash
	class   Classification
	results ProbeResults
}

// NewClassifier returns a Classifier that keys its cache on
// AttachmentHash.
func NewClassifier(prober ProbeRunner, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Classifier{prober: prober, attachment: AttachmentHash, logger: logger}
}

// Classify returns the cached classification if the attachment is
// unchanged, and probes otherwise. Concurrent callers share one probe.
func (c *Classifier) Classify(ctx context.Context) (Classification, ProbeResults, error) {
	key, err := c.attachment()
	if err != nil {
		return Unknown, ProbeResults{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.key == key {
		return c.class, c.results, nil
	}

	results, err := c.prober.Probe(ctx)
	if err != nil {
		c.valid = false
		return Unknown, results, err
	}
	c.class = Classify(results)
	c.results = results
	c.key = key
	c.valid = true

	responded := 0
	for _, observation := range results.Observations {
		if observation.Responded() {
			responded++
		}
	}
	c.logger.Info("nat classified",
		"classification", c.class.String(),
		"observers", len(results.Observations),
		"responded", responded,
		"attachment", key.Short(),
	)
	return c.class, c.results, nil
}

// Cached returns the cached classification without probing. It
// reports Unknown if nothing is cached or the attachment changed.
func (c *Classifier) Cached() Classification {
	key, err := c.attachment()
	if err != nil {
		return Unknown
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.key != key {
		return Unknown
	}
	return c.class
}

// Invalidate drops the cache.
func (c *Classifier) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// AttachmentHash digests the names and addresses of all up, non-loopback
// interfaces. Any change of network changes the hash.
func AttachmentHash() (digest.Hash, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return digest.Hash{}, err
	}
	var entries []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			entries = append(entries, iface.Name+"|"+addr.String())
		}
	}
	slices.Sort(entries)
	hasher := digest.New(digest.Attachment)
	for _, entry := range entries {
		hasher.WriteField([]byte(entry))
	}
	return hasher.Sum(), nil
}
