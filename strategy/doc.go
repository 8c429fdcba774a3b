// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package strategy decides how two peers try to reach each other and
// runs the attempt.
//
// A [Selector] turns the local and remote NAT classifications into a
// [Decision]: which path to try first, how long to give the direct path
// before abandoning it, and which relay to fall back to. The static
// decision table is adjusted by history kept in a [StatsStore] (an
// exponentially weighted success rate and connect time per NAT pair and
// mode) and by a small epsilon-greedy exploration rate, so a pair that
// the table gets wrong is corrected after a few sessions.
//
// [RelayPool] tracks relay health. [Attempt] probes the planned paths in
// parallel and commits exactly one: it moves Probing to Committed or
// Failed and never back.
package strategy
