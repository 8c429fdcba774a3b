// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/lib/clock"
)

// DefaultAlpha weights the newest sample in every moving average.
const DefaultAlpha = 0.2

// Outcome is the result of one connection attempt.
type Outcome struct {
	Pair    Pair
	Mode    Mode
	Success bool

	// Path is the committed path. Zero on failure.
	Path channel.PathKind

	// ConnectTime is from the start of the attempt to commit.
	ConnectTime time.Duration
}

// History summarizes the outcomes recorded for one (pair, mode).
type History struct {
	Attempts  int64
	Successes int64

	// SuccessRate is the moving average of 1 for success, 0 for failure.
	SuccessRate float64

	// DirectRate is the moving average of 1 when the attempt committed
	// to the direct path, 0 otherwise.
	DirectRate float64

	// ConnectTime averages successful attempts only.
	ConnectTime time.Duration

	Updated time.Time
}

// Entry is one row of a store listing.
type Entry struct {
	Pair    Pair
	Mode    Mode
	History History
}

// StatsStore persists per-pair history. Record must apply each outcome
// atomically; concurrent Records for the same key must not lose updates.
type StatsStore interface {
	Record(ctx context.Context, outcome Outcome) error

	// Lookup returns the zero History when nothing is recorded.
	Lookup(ctx context.Context, pair Pair, mode Mode) (History, error)

	// Entries lists everything, ordered by pair then mode.
	Entries(ctx context.Context) ([]Entry, error)
}

func ewma(previous, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*previous
}

// apply folds one outcome into h. The first sample seeds each average.
func (h History) apply(outcome Outcome, alpha float64, now time.Time) History {
	success, direct := 0.0, 0.0
	if outcome.Success {
		success = 1
		if outcome.Path == channel.PathDirect {
			direct = 1
		}
	}
	if h.Attempts == 0 {
		h.SuccessRate = success
		h.DirectRate = direct
	} else {
		h.SuccessRate = ewma(h.SuccessRate, success, alpha)
		h.DirectRate = ewma(h.DirectRate, direct, alpha)
	}
	if outcome.Success {
		if h.Successes == 0 {
			h.ConnectTime = outcome.ConnectTime
		} else {
			h.ConnectTime = time.Duration(ewma(float64(h.ConnectTime), float64(outcome.ConnectTime), alpha))
		}
		h.Successes++
	}
	h.Attempts++
	h.Updated = now
	return h
}

type historyKey struct {
	pair Pair
	mode Mode
}

// MemoryStats is an in-process StatsStore.
type MemoryStats struct {
	alpha float64
	clock clock.Clock

	mu      sync.Mutex
	history map[historyKey]History
}

// NewMemoryStats returns an empty store. A non-positive alpha selects
// DefaultAlpha.
func NewMemoryStats(alpha float64, clk clock.Clock) *MemoryStats {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStats{alpha: alpha, clock: clk, history: make(map[historyKey]History)}
}

func (m *MemoryStats) Record(ctx context.Context, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := historyKey{outcome.Pair, outcome.Mode}
	m.history[key] = m.history[key].apply(outcome, m.alpha, m.clock.Now())
	return nil
}

func (m *MemoryStats) Lookup(ctx context.Context, pair Pair, mode Mode) (History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[historyKey{pair, mode}], nil
}

func (m *MemoryStats) Entries(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	entries := make([]Entry, 0, len(m.history))
	for key, history := range m.history {
		entries = append(entries, Entry{Pair: key.pair, Mode: key.mode, History: history})
	}
	m.mu.Unlock()
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if a.Pair.Local != b.Pair.Local {
			return int(a.Pair.Local) - int(b.Pair.Local)
		}
		if a.Pair.Remote != b.Pair.Remote {
			return int(a.Pair.Remote) - int(b.Pair.Remote)
		}
		return int(a.Mode) - int(b.Mode)
	})
}
