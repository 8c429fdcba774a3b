// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/tallow/internal/kex"
	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/codec"
	"github.com/bureau-foundation/tallow/lib/digest"
	"github.com/bureau-foundation/tallow/lib/secret"
	"github.com/bureau-foundation/tallow/lib/version"
)

// StoreConfig sets the prekey schedule. Zero fields take defaults.
type StoreConfig struct {
	// RotationInterval is how long a bundle is offered by Current.
	// Default 7 days.
	RotationInterval time.Duration

	// BundleLifetime is how long a bundle stays valid for handshakes.
	// Must exceed RotationInterval. Default 14 days.
	BundleLifetime time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.RotationInterval <= 0 {
		c.RotationInterval = 7 * 24 * time.Hour
	}
	if c.BundleLifetime <= 0 {
		c.BundleLifetime = 14 * 24 * time.Hour
	}
	if c.BundleLifetime <= c.RotationInterval {
		c.BundleLifetime = 2 * c.RotationInterval
	}
	return c
}

// PrekeyPair is an issued bundle and its private keys.
type PrekeyPair struct {
	Bundle      *PrekeyBundle
	Encoded     []byte
	Fingerprint digest.Hash
	ECDH        kex.X25519Pair
	KEM         *kex.KEMPair
}

func (p *PrekeyPair) wipe() {
	p.ECDH.Wipe()
	p.KEM.Wipe()
}

// Store owns an identity key and the prekeys issued under it. It is
// safe for concurrent use.
type Store struct {
	identity *IdentityKey
	config   StoreConfig
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	current *PrekeyPair
	issued  map[digest.Hash]*PrekeyPair
}

// NewStore returns a store with no prekeys; the first Current call
// issues one.
func NewStore(identity *IdentityKey, config StoreConfig, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		identity: identity,
		config:   config.withDefaults(),
		clock:    clk,
		logger:   logger,
		issued:   make(map[digest.Hash]*PrekeyPair),
	}
}

// Identity returns the store's signing key.
func (s *Store) Identity() *IdentityKey {
	return s.identity
}

// Current returns the bundle to offer for new handshakes, rotating
// first if the current one is older than RotationInterval.
func (s *Store) Current() (*PrekeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if s.current != nil && now.Sub(s.current.Bundle.Created) < s.config.RotationInterval {
		return s.current, nil
	}
	return s.rotateLocked(now)
}

// Rotate issues a new current bundle regardless of age.
func (s *Store) Rotate() (*PrekeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(s.clock.Now())
}

func (s *Store) rotateLocked(now time.Time) (*PrekeyPair, error) {
	ecdh, err := kex.NewX25519()
	if err != nil {
		return nil, err
	}
	kem, err := kex.NewKEM()
	if err != nil {
		ecdh.Wipe()
		return nil, err
	}
	// Bundle times have one-second resolution on the wire.
	created := now.Truncate(time.Second)
	bundle := &PrekeyBundle{
		Version:    version.ProtocolVersion,
		ECDHPublic: ecdh.Public,
		KEMPublic:  kem.Public,
		Created:    created,
		Expires:    created.Add(s.config.BundleLifetime),
	}
	signBundle(s.identity, bundle)

	pair := &PrekeyPair{Bundle: bundle, Encoded: EncodeBundle(bundle), ECDH: ecdh, KEM: kem}
	pair.Fingerprint = digest.Sum(digest.Fingerprint, pair.Encoded)

	previous := s.current
	s.current = pair
	s.issued[pair.Fingerprint] = pair
	s.pruneLocked(now)

	attrs := []any{"fingerprint", pair.Fingerprint.Short(), "expires", bundle.Expires}
	if previous != nil {
		attrs = append(attrs, "previous", previous.Fingerprint.Short())
	}
	s.logger.Info("prekey rotated", attrs...)
	return pair, nil
}

// Lookup finds an issued, unexpired prekey by bundle fingerprint.
func (s *Store) Lookup(fingerprint digest.Hash) (*PrekeyPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.issued[fingerprint]
	if !ok || !s.clock.Now().Before(pair.Bundle.Expires) {
		return nil, false
	}
	return pair, true
}

// Prune wipes and forgets expired prekeys. It returns how many were
// dropped.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.clock.Now())
}

func (s *Store) pruneLocked(now time.Time) int {
	dropped := 0
	for fingerprint, pair := range s.issued {
		if now.Before(pair.Bundle.Expires) {
			continue
		}
		pair.wipe()
		delete(s.issued, fingerprint)
		if s.current == pair {
			s.current = nil
		}
		dropped++
	}
	if dropped > 0 {
		s.logger.Debug("expired prekeys pruned", "count", dropped)
	}
	return dropped
}

// Close wipes every private key the store holds.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fingerprint, pair := range s.issued {
		pair.wipe()
		delete(s.issued, fingerprint)
	}
	s.current = nil
	return s.identity.Close()
}

// storeFile is the on-disk form. It is written with mode 0600 and is
// not encrypted.
type storeFile struct {
	Version  int            `cbor:"version"`
	Identity []byte         `cbor:"identity"`
	Current  digest.Hash    `cbor:"current"`
	Prekeys  []storedPrekey `cbor:"prekeys"`
}

type storedPrekey struct {
	Bundle  []byte `cbor:"bundle"`
	ECDH    []byte `cbor:"ecdh"`
	KEMSeed []byte `cbor:"kem_seed"`
}

const storeFileVersion = 1

// Save writes the identity and every live prekey to path atomically.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	file := storeFile{Version: storeFileVersion, Identity: s.identity.seed()}
	if s.current != nil {
		file.Current = s.current.Fingerprint
	}
	for _, pair := range s.issued {
		file.Prekeys = append(file.Prekeys, storedPrekey{
			Bundle:  pair.Encoded,
			ECDH:    append([]byte(nil), pair.ECDH.Private[:]...),
			KEMSeed: append([]byte(nil), pair.KEM.Seed[:]...),
		})
	}
	s.mu.Unlock()
	sort.Slice(file.Prekeys, func(i, j int) bool {
		return string(file.Prekeys[i].Bundle) < string(file.Prekeys[j].Bundle)
	})
	defer file.wipe()

	data, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("identity: encoding store: %w", err)
	}
	defer secret.Zero(data)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(path), ".identity-*")
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	defer os.Remove(temporary.Name())
	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("identity: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("identity: writing store: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("identity: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	return os.Rename(temporary.Name(), path)
}

func (f *storeFile) wipe() {
	secret.Zero(f.Identity)
	for _, prekey := range f.Prekeys {
		secret.Zero(prekey.ECDH, prekey.KEMSeed)
	}
}

// LoadStore reads a file written by Save. Expired prekeys are dropped.
func LoadStore(path string, config StoreConfig, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(data)

	var file storeFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("identity: decoding %s: %w", path, err)
	}
	defer file.wipe()
	if file.Version != storeFileVersion {
		return nil, fmt.Errorf("identity: %s has store version %d, want %d", path, file.Version, storeFileVersion)
	}

	identity, err := identityFromSeed(append([]byte(nil), file.Identity...))
	if err != nil {
		return nil, err
	}
	store := NewStore(identity, config, clk, logger)
	for index, stored := range file.Prekeys {
		pair, err := restorePrekey(stored)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("identity: prekey %d in %s: %w", index, path, err)
		}
		store.issued[pair.Fingerprint] = pair
		if pair.Fingerprint == file.Current {
			store.current = pair
		}
	}
	store.Prune()
	return store, nil
}

func restorePrekey(stored storedPrekey) (*PrekeyPair, error) {
	bundle, err := DecodeBundle(stored.Bundle)
	if err != nil {
		return nil, err
	}
	ecdh, err := kex.X25519FromPrivate(stored.ECDH)
	if err != nil {
		return nil, err
	}
	if ecdh.Public != bundle.ECDHPublic {
		return nil, errors.New("x25519 key does not match bundle")
	}
	kem, err := kex.KEMFromSeed(stored.KEMSeed)
	if err != nil {
		return nil, err
	}
	if kem.Public != bundle.KEMPublic {
		return nil, errors.New("ML-KEM key does not match bundle")
	}
	encoded := append([]byte(nil), stored.Bundle...)
	return &PrekeyPair{
		Bundle:      bundle,
		Encoded:     encoded,
		Fingerprint: digest.Sum(digest.Fingerprint, encoded),
		ECDH:        ecdh,
		KEM:         kem,
	}, nil
}

// OpenStore loads path, or creates a new identity there if the file
// does not exist.
func OpenStore(path string, config StoreConfig, clk clock.Clock, logger *slog.Logger) (*Store, bool, error) {
	store, err := LoadStore(path, config, clk, logger)
	if err == nil {
		return store, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	identity, err := GenerateIdentity()
	if err != nil {
		return nil, false, err
	}
	store = NewStore(identity, config, clk, logger)
	if _, err := store.Current(); err != nil {
		store.Close()
		return nil, false, err
	}
	if err := store.Save(path); err != nil {
		store.Close()
		return nil, false, err
	}
	return store, true, nil
}
