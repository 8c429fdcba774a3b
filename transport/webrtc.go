// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

// channelLabel names the single data channel of a session.
const channelLabel = "tallow"

// WebRTCConfig tunes negotiation.
type WebRTCConfig struct {
	ICE ICEConfig

	// IncludeLoopback adds loopback host candidates. Needed when both
	// peers run on one machine, including tests.
	IncludeLoopback bool

	// GatherTimeout bounds vanilla ICE gathering. Default 15s.
	GatherTimeout time.Duration
}

// ErrICEFailed is returned when ICE connectivity checks fail for every
// candidate pair.
var ErrICEFailed = errors.New("transport: ICE connectivity failed")

// WebRTC negotiates direct-path data channels. One instance serves any
// number of sessions; each Offer or Answer builds its own
// PeerConnection.
type WebRTC struct {
	config WebRTCConfig
	logger *slog.Logger
}

// NewWebRTC returns a negotiator.
func NewWebRTC(config WebRTCConfig, logger *slog.Logger) *WebRTC {
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebRTC{config: config, logger: logger}
}

// pending tracks one PeerConnection until its channel opens.
type pending struct {
	connection *webrtc.PeerConnection
	opened     chan *webrtc.DataChannel
	failed     chan struct{}
}

// newPending builds a PeerConnection with detached data channels and
// watches its ICE state.
func (w *WebRTC) newPending(role string) (*pending, error) {
	// Detach gives stream-oriented ReadWriteCloser access.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(w.config.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	connection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: w.config.ICE.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	p := &pending{
		connection: connection,
		opened:     make(chan *webrtc.DataChannel, 1),
		failed:     make(chan struct{}),
	}
	connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		w.logger.Debug("ICE state change", "role", role, "state", state.String())
		if state == webrtc.ICEConnectionStateFailed {
			select {
			case <-p.failed:
			default:
				close(p.failed)
			}
		}
	})
	return p, nil
}

func (p *pending) watchOpen(channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		select {
		case p.opened <- channel:
		default:
		}
	})
}

// gather sets the local description and waits for every candidate.
func (w *WebRTC) gather(ctx context.Context, p *pending, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.connection)
	if err := p.connection.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	timer := time.NewTimer(w.config.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %s", w.config.GatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.connection.LocalDescription().SDP, nil
}

// finish waits for the data channel to open and detaches it.
func (w *WebRTC) finish(ctx context.Context, p *pending, role string) (*DataChannelConn, error) {
	var channel *webrtc.DataChannel
	select {
	case channel = <-p.opened:
	case <-p.failed:
		return nil, ErrICEFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	raw, err := channel.Detach()
	if err != nil {
		return nil, fmt.Errorf("detaching data channel: %w", err)
	}
	w.logger.Info("WebRTC data channel open", "role", role)
	return newWebRTCConn(raw, channel, p.connection, role+"/"+channelLabel, "peer/"+channelLabel), nil
}

// Offer opens the data channel, sends the offer through signaler and
// waits for the answer and the channel to open. The returned conn owns
// the PeerConnection.
func (w *WebRTC) Offer(ctx context.Context, signaler Signaler) (conn *DataChannelConn, err error) {
	p, err := w.newPending("offerer")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			p.connection.Close()
		}
	}()

	ordered := true
	channel, err := p.connection.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	p.watchOpen(channel)

	offer, err := p.connection.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating SDP offer: %w", err)
	}
	sdp, err := w.gather(ctx, p, offer)
	if err != nil {
		return nil, err
	}
	if err := signaler.Send(ctx, Signal{Type: SignalOffer, SDP: sdp}); err != nil {
		return nil, fmt.Errorf("publishing SDP offer: %w", err)
	}
	w.logger.Debug("WebRTC offer published")

	answer, err := Expect(ctx, signaler, SignalAnswer)
	if err != nil {
		return nil, fmt.Errorf("waiting for SDP answer: %w", err)
	}
	if err := p.connection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}
	return w.finish(ctx, p, "offerer")
}

// Answer waits for an offer, answers it, and waits for the offerer's
// data channel to open.
func (w *WebRTC) Answer(ctx context.Context, signaler Signaler) (conn *DataChannelConn, err error) {
	offer, err := Expect(ctx, signaler, SignalOffer)
	if err != nil {
		return nil, fmt.Errorf("waiting for SDP offer: %w", err)
	}

	p, err := w.newPending("answerer")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			p.connection.Close()
		}
	}()
	p.connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != channelLabel {
			w.logger.Warn("ignoring unexpected data channel", "label", channel.Label())
			return
		}
		p.watchOpen(channel)
	})

	if err := p.connection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := p.connection.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating SDP answer: %w", err)
	}
	sdp, err := w.gather(ctx, p, answer)
	if err != nil {
		return nil, err
	}
	if err := signaler.Send(ctx, Signal{Type: SignalAnswer, SDP: sdp}); err != nil {
		return nil, fmt.Errorf("publishing SDP answer: %w", err)
	}
	w.logger.Debug("WebRTC answer published")
	return w.finish(ctx, p, "answerer")
}
