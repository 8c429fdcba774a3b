// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework behind the tallow binary: a tree
// of [Command] values with pflag-based flags bound from tagged params
// structs, typo suggestions, structured command loggers, and terminal
// output helpers.
package cli
