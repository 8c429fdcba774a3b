// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source for tallow.
//
// Every component whose behavior depends on elapsed time takes a Clock:
// prekey rotation, ratchet re-key intervals, relay cooldowns, strategy
// statistics, path-probe and acknowledgment timeouts. Production code
// uses Real(). Tests use Fake(), which only moves when Advance is
// called, so interval-driven behavior is exercised without sleeping:
//
//	fake := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
//	store := identity.NewStore(key, identity.StoreConfig{}, fake, logger)
//	fake.Advance(8 * 24 * time.Hour) // next Current() rotates
//
// Goroutines that block on a fake timer register a waiter first; use
// WaitForTimers before Advance to avoid racing that registration.
package clock
