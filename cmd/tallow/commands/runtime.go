// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/identity"
	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/config"
	"github.com/bureau-foundation/tallow/nat"
	"github.com/bureau-foundation/tallow/ratchet"
	"github.com/bureau-foundation/tallow/relay"
	"github.com/bureau-foundation/tallow/session"
	"github.com/bureau-foundation/tallow/strategy"
	"github.com/bureau-foundation/tallow/transfer"
	"github.com/bureau-foundation/tallow/transport"
)

// ConfigFlags selects the config file. Every command that touches state
// embeds it.
type ConfigFlags struct {
	Path string
}

// AddFlags registers --config.
func (f *ConfigFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.Path, "config", "",
		"config file (default $"+config.EnvVar+"; built-in defaults when neither is set)")
}

// Load reads and validates the selected file. With no file selected
// the built-in defaults apply.
func (f ConfigFlags) Load() (*config.Config, error) {
	path := f.Path
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}
	var cfg *config.Config
	if path == "" {
		cfg = config.Resolved()
	} else {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runtime is the long-lived state behind send, receive, nat and stats.
type runtime struct {
	config *config.Config
	clock  clock.Clock
	logger *slog.Logger

	identity     *identity.Store
	identityPath string

	stats    *strategy.SQLiteStats
	relays   []strategy.RelayEndpoint
	pool     *strategy.RelayPool
	selector *strategy.Selector
	client   *relay.Client

	classifier *nat.Classifier
	gatherer   *nat.Gatherer
	webrtc     *transport.WebRTC
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{config: cfg, clock: clock.Real(), logger: logger, identityPath: cfg.Paths.Identity}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	store, created, err := identity.OpenStore(cfg.Paths.Identity, identity.StoreConfig{}, rt.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("opening identity: %w", err)
	}
	rt.identity = store
	if created {
		logger.Info("created identity",
			"path", cfg.Paths.Identity,
			"fingerprint", store.Identity().Fingerprint().Short())
	}

	rt.stats, err = strategy.OpenSQLiteStats(ctx, cfg.Paths.StatsDB, cfg.Strategy.EWMAAlpha, rt.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("opening strategy stats: %w", err)
	}

	var advertised []netip.AddrPort
	for _, endpoint := range cfg.Relays {
		secret, err := config.ReadSecret(endpoint.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", endpoint.Address, err)
		}
		issuer, err := relay.NewIssuer(secret, rt.clock)
		clear(secret)
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", endpoint.Address, err)
		}
		rt.relays = append(rt.relays, strategy.RelayEndpoint{Address: endpoint.Address, Issuer: issuer})
		if address, err := netip.ParseAddrPort(endpoint.Address); err == nil {
			advertised = append(advertised, address)
		}
	}
	rt.pool = strategy.NewRelayPool(rt.relays, strategy.RelayPoolConfig{
		FailureThreshold: cfg.Strategy.FailureThreshold,
		Cooldown:         cfg.Strategy.Cooldown,
		Alpha:            cfg.Strategy.EWMAAlpha,
	}, rt.clock, logger)
	rt.selector = strategy.NewSelector(strategy.SelectorConfigFrom(cfg.Strategy), rt.stats, rt.pool, logger)
	rt.client = relay.NewClient(logger)

	rt.classifier = nat.NewClassifier(nat.NewProber(nat.ProberConfigFrom(cfg.NAT), logger), logger)
	rt.gatherer = nat.NewGatherer(rt.classifier, nat.GathererConfig{Relays: advertised}, logger)
	rt.webrtc = transport.NewWebRTC(transport.WebRTCConfig{
		ICE: transport.ICEConfigFromObservers(cfg.NAT.Observers),
	}, logger)
	return rt, nil
}

// sessionConfig wires one Connect for role. peer pins the remote
// identity when non-nil.
func (rt *runtime) sessionConfig(role handshake.Role, peer ed25519.PublicKey) session.Config {
	return session.Config{
		Role:             role,
		Identity:         rt.identity,
		Gatherer:         rt.gatherer,
		Selector:         rt.selector,
		WebRTC:           rt.webrtc,
		Relay:            rt.client,
		ExpectedPeer:     peer,
		Ratchet:          ratchet.FromConfig(rt.config.Ratchet),
		HandshakeTimeout: rt.config.Strategy.HandshakeTimeout,
		Clock:            rt.clock,
		Logger:           rt.logger,
	}
}

// relayHealthTimeout bounds the relay health check before a connect.
const relayHealthTimeout = 3 * time.Second

// refreshRelayHealth checks every due relay so the selector picks from
// fresh measurements. Unreachable relays are only demoted.
func (rt *runtime) refreshRelayHealth(ctx context.Context) {
	if len(rt.relays) == 0 {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, relayHealthTimeout)
	defer cancel()
	if err := rt.pool.ProbeAll(checkCtx, session.RelayProbe(rt.client)); err != nil {
		rt.logger.Debug("relay health check cut short", "error", err)
	}
	if best, ok := rt.pool.Best(); ok {
		rt.logger.Debug("relay health refreshed", "best", best.Address)
	}
}

func (rt *runtime) transferConfig() (transfer.Config, error) {
	return transfer.ConfigFrom(rt.config.Transfer)
}

// endpoint returns the configured relay at address, or the first one
// when address is empty.
func (rt *runtime) endpoint(address string) (strategy.RelayEndpoint, error) {
	if len(rt.relays) == 0 {
		return strategy.RelayEndpoint{}, errors.New("no relays configured")
	}
	if address == "" {
		return rt.relays[0], nil
	}
	for _, endpoint := range rt.relays {
		if endpoint.Address == address {
			return endpoint, nil
		}
	}
	return strategy.RelayEndpoint{}, fmt.Errorf("relay %s is not configured", address)
}

// Close persists prekey rotations and releases the databases.
func (rt *runtime) Close() error {
	var errs []error
	if rt.identity != nil {
		if err := rt.identity.Save(rt.identityPath); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, rt.identity.Close())
	}
	if rt.stats != nil {
		errs = append(errs, rt.stats.Close())
	}
	return errors.Join(errs...)
}

// parsePeer decodes a hex identity key given with --peer.
func parsePeer(text string) (ed25519.PublicKey, error) {
	if text == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(text)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("--peer must be a %d-byte hex identity key", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}
