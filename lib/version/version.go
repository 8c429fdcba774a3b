// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for tallow binaries.
//
// Values are injected with -ldflags at release time:
//
//	go build -ldflags "-X github.com/bureau-foundation/tallow/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// ProtocolVersion is the wire version carried in prekey bundles,
// handshake messages and relay hellos. Peers with a different value
// are rejected.
const ProtocolVersion = 1

// Info is the --version line.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s, protocol v%d)", Version, GitCommit, dirty, BuildTime, ProtocolVersion)
}

// Full adds the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short is just the release version.
func Short() string {
	return Version
}
