// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by tallow's package tests.
//
// RequireReceive, RequireSend and RequireClosed wrap the select with a
// wall-clock fallback so a broken test fails instead of hanging; they
// are the only real-time waits in the test suite. Everything else uses
// clock.Fake. Pipe returns a connected in-memory stream pair with
// cleanup registered. UniqueID produces distinct identifiers without
// consulting the clock.
package testutil
