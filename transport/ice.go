// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers used during candidate
	// gathering. Empty means host candidates only.
	Servers []webrtc.ICEServer
}

// ICEConfigFromObservers turns the STUN observers used for NAT
// classification into ICE servers, so the reflexive candidates ICE
// gathers come from the same servers the classifier measured. Entries
// without a scheme get "stun:".
func ICEConfigFromObservers(observers []string) ICEConfig {
	if len(observers) == 0 {
		return ICEConfig{}
	}
	urls := make([]string, 0, len(observers))
	for _, observer := range observers {
		observer = strings.TrimSpace(observer)
		if observer == "" {
			continue
		}
		if !strings.HasPrefix(observer, "stun:") && !strings.HasPrefix(observer, "stuns:") {
			observer = "stun:" + observer
		}
		urls = append(urls, observer)
	}
	if len(urls) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: urls}}}
}
