// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/tallow/lib/clock"
)

// AdmissionConfig bounds how often one address may present a hello.
type AdmissionConfig struct {
	RatePerSecond float64
	Burst         int

	// MaxViolations refusals in a row ban the address for BanDuration.
	MaxViolations int
	BanDuration   time.Duration

	// IdleExpiry drops state for addresses not seen for this long.
	IdleExpiry time.Duration
}

func (c AdmissionConfig) withDefaults() AdmissionConfig {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = 20
	}
	if c.BanDuration <= 0 {
		c.BanDuration = 10 * time.Minute
	}
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = 10 * time.Minute
	}
	return c
}

// Admission is a per-address token bucket with temporary bans for
// addresses that keep hammering after being refused.
type Admission struct {
	config AdmissionConfig
	clock  clock.Clock

	mu        sync.Mutex
	addresses map[string]*admissionEntry
	lastSweep time.Time
}

type admissionEntry struct {
	limiter     *rate.Limiter
	violations  int
	bannedUntil time.Time
	lastSeen    time.Time
}

// NewAdmission returns an empty Admission.
func NewAdmission(config AdmissionConfig, clk clock.Clock) *Admission {
	if clk == nil {
		clk = clock.Real()
	}
	return &Admission{
		config:    config.withDefaults(),
		clock:     clk,
		addresses: make(map[string]*admissionEntry),
		lastSweep: clk.Now(),
	}
}

// Allow reports whether address may proceed now.
func (a *Admission) Allow(address string) bool {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked(now)

	entry, ok := a.addresses[address]
	if !ok {
		entry = &admissionEntry{
			limiter: rate.NewLimiter(rate.Limit(a.config.RatePerSecond), a.config.Burst),
		}
		a.addresses[address] = entry
	}
	entry.lastSeen = now
	if now.Before(entry.bannedUntil) {
		return false
	}
	if !entry.limiter.AllowN(now, 1) {
		entry.violations++
		if entry.violations >= a.config.MaxViolations {
			entry.bannedUntil = now.Add(a.config.BanDuration)
			entry.violations = 0
		}
		return false
	}
	entry.violations = 0
	return true
}

// Banned reports whether address is currently banned.
func (a *Admission) Banned(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.addresses[address]
	return ok && a.clock.Now().Before(entry.bannedUntil)
}

// Tracked is the number of addresses with state.
func (a *Admission) Tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.addresses)
}

func (a *Admission) sweepLocked(now time.Time) {
	if now.Sub(a.lastSweep) < a.config.IdleExpiry {
		return
	}
	a.lastSweep = now
	for address, entry := range a.addresses {
		if now.Sub(entry.lastSeen) >= a.config.IdleExpiry && !now.Before(entry.bannedUntil) {
			delete(a.addresses, address)
		}
	}
}
