// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratchet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bureau-foundation/tallow/handshake"
	"github.com/bureau-foundation/tallow/internal/kex"
	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/digest"
	"github.com/bureau-foundation/tallow/lib/secret"
)

const (
	infoBootstrap = "tallow.ratchet.bootstrap.v1"
	infoRoot      = "tallow.ratchet.root.v1"
	infoChain     = "tallow.ratchet.chain.v1"

	// Overhead is the AEAD tag length added to every message.
	Overhead = chacha20poly1305.Overhead

	retiredLimit = 16
)

type sendChain struct {
	key        [32]byte
	ratchetKey [kex.X25519Size]byte
	counter    uint32
	previous   uint32
	created    time.Time

	// Attached to every message on this chain.
	kemPublic     []byte
	kemCiphertext []byte
}

type receiveChain struct {
	key        [32]byte
	ratchetKey [kex.X25519Size]byte
	counter    uint32
}

type skippedID struct {
	ratchetKey [kex.X25519Size]byte
	counter    uint32
}

type skippedKey struct {
	id  skippedID
	key [32]byte
}

// State is one side of a ratcheted session. Sending and receiving may
// proceed concurrently from different goroutines.
type State struct {
	config Config
	role   handshake.Role
	clock  clock.Clock
	logger *slog.Logger
	closed atomic.Bool

	// Owned by the send path.
	sendMu sync.Mutex
	send   sendChain

	// Owned by the receive path.
	receiveMu    sync.Mutex
	receive      receiveChain
	receiveGen   uint64
	skipped      map[skippedID]*[32]byte
	skippedOrder []skippedID
	retired      [][kex.X25519Size]byte
	evicted      int

	// Shared root chain. Lock order: sendMu or receiveMu, then rootMu.
	rootMu          sync.Mutex
	root            [32]byte
	rootGen         uint64
	local           kex.X25519Pair
	remote          [kex.X25519Size]byte
	canStep         bool
	localKEM        *kex.KEMPair
	kemAnnounced    bool
	remoteKEM       []byte
	remoteKEMFrom   [kex.X25519Size]byte
	kemConsumedFrom [kex.X25519Size]byte
	lastPQ          time.Time
	dhSteps         int
	pqSteps         int

	sent     atomic.Uint64
	received atomic.Uint64
	sincePQ  atomic.Uint64
}

// New builds the ratchet from a completed handshake. The session secret
// is consumed: New destroys it whether or not it succeeds.
func New(session *handshake.SessionSecret, config Config, clk clock.Clock, logger *slog.Logger) (*State, error) {
	defer session.Destroy()
	if session.RootKey == nil || session.RootKey.Len() != handshake.RootKeySize {
		return nil, errors.New("ratchet: session has no root key")
	}
	if session.Role != handshake.Initiator && session.Role != handshake.Responder {
		return nil, fmt.Errorf("ratchet: invalid role %s", session.Role)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	kem, err := kex.NewKEM()
	if err != nil {
		return nil, err
	}

	var okm [96]byte
	defer secret.Zero(okm[:])
	kex.Derive(okm[:], session.RootKey.Bytes(), nil, infoBootstrap)

	now := clk.Now()
	s := &State{
		config:   config.withDefaults(),
		role:     session.Role,
		clock:    clk,
		logger:   logger,
		skipped:  make(map[skippedID]*[32]byte),
		local:    session.LocalRatchet,
		remote:   session.RemoteRatchet,
		canStep:  session.Role == handshake.Initiator,
		localKEM: kem,
		lastPQ:   now,
	}
	copy(s.root[:], okm[0:32])
	initiatorChain, responderChain := okm[32:64], okm[64:96]
	if s.role == handshake.Responder {
		initiatorChain, responderChain = responderChain, initiatorChain
	}
	s.send = sendChain{
		ratchetKey: s.local.Public,
		created:    now,
		kemPublic:  append([]byte(nil), kem.Public[:]...),
	}
	copy(s.send.key[:], initiatorChain)
	s.receive = receiveChain{ratchetKey: s.remote}
	copy(s.receive.key[:], responderChain)
	return s, nil
}

// Role reports which side of the handshake this state came from.
func (s *State) Role() handshake.Role { return s.role }

// DeriveSendKey advances the sending chain and returns the key and
// header for the next message. It performs an asymmetric step first
// when one is due and alternation allows it.
func (s *State) DeriveSendKey() (*MessageKey, Header, error) {
	if s.closed.Load() {
		return nil, Header{}, ErrClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	now := s.clock.Now()
	s.rootMu.Lock()
	exhausted := s.send.counter == math.MaxUint32
	dhDue := exhausted || s.config.PerMessage ||
		(s.config.RekeyMessages > 0 && int64(s.send.counter) >= int64(s.config.RekeyMessages)) ||
		(s.config.RekeyInterval > 0 && now.Sub(s.send.created) >= s.config.RekeyInterval)
	pq := s.pqDueLocked(now) && s.remoteKEM != nil
	if s.canStep && (dhDue || pq) {
		if err := s.stepLocked(now, pq); err != nil {
			s.rootMu.Unlock()
			return nil, Header{}, err
		}
	}
	if s.send.kemPublic != nil && bytes.Equal(s.send.kemPublic, s.localKEM.Public[:]) {
		s.kemAnnounced = true
	}
	s.rootMu.Unlock()

	if s.send.counter == math.MaxUint32 {
		return nil, Header{}, ErrChainExhausted
	}
	var messageKey [32]byte
	s.send.key, messageKey = chainStep(s.send.key)
	header := Header{
		RatchetKey:    s.send.ratchetKey,
		Previous:      s.send.previous,
		Counter:       s.send.counter,
		KEMPublic:     s.send.kemPublic,
		KEMCiphertext: s.send.kemCiphertext,
	}
	s.send.counter++
	s.sent.Add(1)
	s.sincePQ.Add(1)
	return newMessageKey(messageKey, header, nil, nil), header, nil
}

func (s *State) pqDueLocked(now time.Time) bool {
	if s.config.PerMessage {
		return true
	}
	if s.config.PQRekeyMessages > 0 && s.sincePQ.Load() >= uint64(s.config.PQRekeyMessages) {
		return true
	}
	return s.config.PQRekeyInterval > 0 && now.Sub(s.lastPQ) >= s.config.PQRekeyInterval
}

// stepLocked starts a new sending chain under a fresh ratchet key.
// Requires sendMu and rootMu.
func (s *State) stepLocked(now time.Time, pq bool) error {
	next, err := kex.NewX25519()
	if err != nil {
		return err
	}
	shared, err := kex.DH(next.Private, s.remote)
	if err != nil {
		next.Wipe()
		return fmt.Errorf("ratchet: step: %w", err)
	}
	ikm := append(make([]byte, 0, 2*kex.SharedSize), shared[:]...)
	secret.Zero(shared[:])
	defer secret.Zero(ikm)

	var ciphertext []byte
	if pq {
		ct, ss, err := kex.Encapsulate(s.remoteKEM)
		if err != nil {
			// A bad announcement is dropped; the step goes ahead with
			// X25519 alone and the next announcement gets another try.
			s.logger.Warn("dropping peer KEM key", "chain", chainID(s.remote), "error", err)
			s.remoteKEM = nil
			pq = false
		} else {
			ikm = append(ikm, ss[:]...)
			secret.Zero(ss[:])
			ciphertext = ct[:]
		}
	}

	chainKey := rootStep(&s.root, ikm)
	s.rootGen++
	s.local.Wipe()
	s.local = next
	s.canStep = false
	s.dhSteps++

	chain := sendChain{
		key:           chainKey,
		ratchetKey:    next.Public,
		previous:      s.send.counter,
		created:       now,
		kemCiphertext: ciphertext,
	}
	if !s.kemAnnounced {
		chain.kemPublic = append([]byte(nil), s.localKEM.Public[:]...)
	}
	secret.Zero(s.send.key[:], chainKey[:])
	s.send = chain

	if pq {
		s.kemConsumedFrom = s.remoteKEMFrom
		s.remoteKEM = nil
		s.pqSteps++
		s.lastPQ = now
		s.sincePQ.Store(0)
	}
	s.logger.Debug("ratchet step",
		"direction", "send",
		"chain", chainID(next.Public),
		"previous", chain.previous,
		"pq", pq,
	)
	return nil
}

// pendingReceive is everything a received message would change,
// computed without touching the state.
type pendingReceive struct {
	header     Header
	receiveGen uint64
	cached     bool
	messageKey [32]byte
	chainKey   [32]byte
	skipped    []skippedKey
	step       *pendingStep
}

type pendingStep struct {
	rootGen  uint64
	root     [32]byte
	freshKEM *kex.KEMPair
}

func (p *pendingReceive) wipe() {
	secret.Zero(p.messageKey[:], p.chainKey[:])
	for index := range p.skipped {
		secret.Zero(p.skipped[index].key[:])
	}
	if p.step != nil {
		secret.Zero(p.step.root[:])
		if p.step.freshKEM != nil {
			p.step.freshKEM.Wipe()
		}
	}
}

// DeriveReceiveKey returns the key for a received header. Nothing
// changes until the returned key opens its message successfully; if
// another message is received in between, that Open fails with
// ErrStaleKey.
func (s *State) DeriveReceiveKey(header Header) (*MessageKey, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.receiveMu.Lock()
	pending, err := s.prepareLocked(header)
	s.receiveMu.Unlock()
	if err != nil {
		return nil, err
	}
	commit := func() error {
		defer pending.wipe()
		s.receiveMu.Lock()
		defer s.receiveMu.Unlock()
		return s.commitLocked(pending)
	}
	return newMessageKey(pending.messageKey, header, nil, commit), nil
}

func (s *State) prepareLocked(h Header) (*pendingReceive, error) {
	if h.Counter == math.MaxUint32 {
		return nil, fmt.Errorf("%w: counter out of range", ErrMalformedHeader)
	}
	p := &pendingReceive{header: h, receiveGen: s.receiveGen}
	if key, ok := s.skipped[skippedID{h.RatchetKey, h.Counter}]; ok {
		p.cached = true
		p.messageKey = *key
		return p, nil
	}
	if h.RatchetKey == s.receive.ratchetKey {
		if h.Counter < s.receive.counter {
			return nil, replayError(h.RatchetKey, h.Counter)
		}
		if err := s.advance(p, s.receive.key, h.RatchetKey, s.receive.counter, h.Counter); err != nil {
			p.wipe()
			return nil, err
		}
		return p, nil
	}
	for _, old := range s.retired {
		if old == h.RatchetKey {
			return nil, replayError(h.RatchetKey, h.Counter)
		}
	}

	// A new ratchet key: collect what is left of the current chain,
	// then step the root.
	if h.Previous > s.receive.counter {
		if int64(h.Previous-s.receive.counter) > int64(s.config.MaxSkip) {
			return nil, ErrTooManySkipped
		}
		chain := s.receive.key
		for counter := s.receive.counter; counter < h.Previous; counter++ {
			var key [32]byte
			chain, key = chainStep(chain)
			p.skipped = append(p.skipped, skippedKey{skippedID{s.receive.ratchetKey, counter}, key})
		}
		secret.Zero(chain[:])
	}
	chainKey, err := s.prepareStep(p, h)
	if err != nil {
		p.wipe()
		return nil, err
	}
	err = s.advance(p, chainKey, h.RatchetKey, 0, h.Counter)
	secret.Zero(chainKey[:])
	if err != nil {
		p.wipe()
		return nil, err
	}
	return p, nil
}

func (s *State) prepareStep(p *pendingReceive, h Header) ([32]byte, error) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	var chainKey [32]byte
	shared, err := kex.DH(s.local.Private, h.RatchetKey)
	if err != nil {
		return chainKey, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	ikm := append(make([]byte, 0, 2*kex.SharedSize), shared[:]...)
	secret.Zero(shared[:])
	defer secret.Zero(ikm)

	p.step = &pendingStep{rootGen: s.rootGen, root: s.root}
	if h.KEMCiphertext != nil {
		ss, err := s.localKEM.Decapsulate(h.KEMCiphertext)
		if err != nil {
			return chainKey, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}
		ikm = append(ikm, ss[:]...)
		secret.Zero(ss[:])
		// Our key is consumed once this message authenticates.
		fresh, err := kex.NewKEM()
		if err != nil {
			return chainKey, err
		}
		p.step.freshKEM = fresh
	}
	return rootStep(&p.step.root, ikm), nil
}

// advance walks a receiving chain from counter from up to and
// including to, caching the keys in between.
func (s *State) advance(p *pendingReceive, chain [32]byte, ratchetKey [kex.X25519Size]byte, from, to uint32) error {
	if int64(to-from) > int64(s.config.MaxSkip) {
		return ErrTooManySkipped
	}
	for counter := from; counter < to; counter++ {
		var key [32]byte
		chain, key = chainStep(chain)
		p.skipped = append(p.skipped, skippedKey{skippedID{ratchetKey, counter}, key})
	}
	p.chainKey, p.messageKey = chainStep(chain)
	secret.Zero(chain[:])
	return nil
}

// commitLocked applies a verified pending receive. Requires receiveMu.
func (s *State) commitLocked(p *pendingReceive) error {
	if p.receiveGen != s.receiveGen {
		return ErrStaleKey
	}
	h := p.header
	now := s.clock.Now()
	switch {
	case p.cached:
		id := skippedID{h.RatchetKey, h.Counter}
		if key, ok := s.skipped[id]; ok {
			secret.Zero(key[:])
			delete(s.skipped, id)
		}
	default:
		if p.step != nil {
			s.rootMu.Lock()
			if p.step.rootGen != s.rootGen {
				s.rootMu.Unlock()
				return ErrStaleKey
			}
			s.root = p.step.root
			s.rootGen++
			s.remote = h.RatchetKey
			s.canStep = true
			s.dhSteps++
			pq := p.step.freshKEM != nil
			if pq {
				s.localKEM.Wipe()
				s.localKEM = p.step.freshKEM
				p.step.freshKEM = nil
				s.kemAnnounced = false
				s.pqSteps++
				s.lastPQ = now
				s.sincePQ.Store(0)
			}
			s.rootMu.Unlock()

			s.retire(s.receive.ratchetKey)
			secret.Zero(s.receive.key[:])
			s.receive = receiveChain{ratchetKey: h.RatchetKey}
			s.logger.Debug("ratchet step",
				"direction", "receive",
				"chain", chainID(h.RatchetKey),
				"previous", h.Previous,
				"pq", pq,
			)
		}
		s.receive.key = p.chainKey
		s.receive.counter = h.Counter + 1
		for _, entry := range p.skipped {
			s.storeSkippedLocked(entry)
		}
	}

	if h.KEMPublic != nil {
		s.rootMu.Lock()
		if h.RatchetKey == s.remote && h.RatchetKey != s.kemConsumedFrom && h.RatchetKey != s.remoteKEMFrom {
			s.remoteKEM = append([]byte(nil), h.KEMPublic...)
			s.remoteKEMFrom = h.RatchetKey
		}
		s.rootMu.Unlock()
	}

	s.receiveGen++
	s.received.Add(1)
	s.sincePQ.Add(1)
	return nil
}

func (s *State) storeSkippedLocked(entry skippedKey) {
	key := entry.key
	s.skipped[entry.id] = &key
	s.skippedOrder = append(s.skippedOrder, entry.id)
	for len(s.skipped) > s.config.SkippedKeyLimit && len(s.skippedOrder) > 0 {
		oldest := s.skippedOrder[0]
		s.skippedOrder = s.skippedOrder[1:]
		if stored, ok := s.skipped[oldest]; ok {
			secret.Zero(stored[:])
			delete(s.skipped, oldest)
			s.evicted++
		}
	}
	if len(s.skippedOrder) > 2*s.config.SkippedKeyLimit {
		live := make([]skippedID, 0, len(s.skipped))
		for _, id := range s.skippedOrder {
			if _, ok := s.skipped[id]; ok {
				live = append(live, id)
			}
		}
		s.skippedOrder = live
	}
}

func (s *State) retire(ratchetKey [kex.X25519Size]byte) {
	s.retired = append(s.retired, ratchetKey)
	if len(s.retired) > retiredLimit {
		s.retired = s.retired[len(s.retired)-retiredLimit:]
	}
}

// Seal encrypts plaintext as the next message. The result is the
// encoded header followed by the ciphertext; ad is authenticated but
// not included.
func (s *State) Seal(plaintext, ad []byte) ([]byte, error) {
	key, header, err := s.DeriveSendKey()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	out := make([]byte, 0, header.Size()+len(plaintext)+Overhead)
	out = append(out, key.encoded...)
	return key.Seal(out, plaintext, ad), nil
}

// Open authenticates and decrypts a message produced by the peer's
// Seal. On any error the state is unchanged.
func (s *State) Open(message, ad []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	header, n, err := DecodeHeader(message)
	if err != nil {
		return nil, err
	}
	s.receiveMu.Lock()
	defer s.receiveMu.Unlock()
	pending, err := s.prepareLocked(header)
	if err != nil {
		return nil, err
	}
	defer pending.wipe()

	key := newMessageKey(pending.messageKey, header, message[:n], nil)
	defer key.Wipe()
	plaintext, err := key.open(message[n:], ad)
	if err != nil {
		return nil, err
	}
	if err := s.commitLocked(pending); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Stats is a snapshot of ratchet activity.
type Stats struct {
	Sent     uint64
	Received uint64
	// DHSteps and PQSteps count steps by either side.
	DHSteps int
	PQSteps int
	// Skipped is the number of cached keys; Evicted counts keys
	// dropped from the cache.
	Skipped int
	Evicted int
}

// Stats returns current counters.
func (s *State) Stats() Stats {
	s.receiveMu.Lock()
	skipped, evicted := len(s.skipped), s.evicted
	s.receiveMu.Unlock()
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	return Stats{
		Sent:     s.sent.Load(),
		Received: s.received.Load(),
		DHSteps:  s.dhSteps,
		PQSteps:  s.pqSteps,
		Skipped:  skipped,
		Evicted:  evicted,
	}
}

// RootKeyID is a one-way digest of the current root key. Both sides
// report the same value once they have processed the same steps.
func (s *State) RootKeyID() digest.Hash {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	return digest.Sum(digest.Fingerprint, s.root[:])
}

// Close wipes all key material. Later calls fail with ErrClosed.
func (s *State) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.sendMu.Lock()
	secret.Zero(s.send.key[:])
	s.sendMu.Unlock()

	s.receiveMu.Lock()
	secret.Zero(s.receive.key[:])
	for id, key := range s.skipped {
		secret.Zero(key[:])
		delete(s.skipped, id)
	}
	s.skippedOrder = nil
	s.receiveMu.Unlock()

	s.rootMu.Lock()
	secret.Zero(s.root[:])
	s.local.Wipe()
	if s.localKEM != nil {
		s.localKEM.Wipe()
	}
	s.rootMu.Unlock()
	return nil
}

func rootStep(root *[32]byte, ikm []byte) [32]byte {
	var okm [64]byte
	kex.Derive(okm[:], ikm, root[:], infoRoot)
	var chainKey [32]byte
	copy(root[:], okm[:32])
	copy(chainKey[:], okm[32:])
	secret.Zero(okm[:])
	return chainKey
}

func chainStep(chain [32]byte) (next, message [32]byte) {
	var okm [64]byte
	kex.Derive(okm[:], chain[:], nil, infoChain)
	copy(next[:], okm[:32])
	copy(message[:], okm[32:])
	secret.Zero(okm[:], chain[:])
	return next, message
}

// MessageKey encrypts or decrypts exactly one message.
type MessageKey struct {
	key     [32]byte
	header  Header
	encoded []byte
	commit  func() error
}

func newMessageKey(key [32]byte, header Header, encoded []byte, commit func() error) *MessageKey {
	if encoded == nil {
		encoded = header.Encode()
	}
	return &MessageKey{key: key, header: header, encoded: encoded, commit: commit}
}

// Header returns the header this key belongs to.
func (k *MessageKey) Header() Header { return k.header }

// Seal appends the encryption of plaintext to dst. The encoded header
// and ad are authenticated.
func (k *MessageKey) Seal(dst, plaintext, ad []byte) []byte {
	aead, err := chacha20poly1305.New(k.key[:])
	if err != nil {
		panic("ratchet: " + err.Error())
	}
	return aead.Seal(dst, k.nonce(), plaintext, k.associated(ad))
}

// Open decrypts ciphertext. For a receive key, success also commits the
// receive to the ratchet state.
func (k *MessageKey) Open(ciphertext, ad []byte) ([]byte, error) {
	plaintext, err := k.open(ciphertext, ad)
	if err != nil {
		return nil, err
	}
	if k.commit != nil {
		if err := k.commit(); err != nil {
			secret.Zero(plaintext)
			return nil, err
		}
		k.commit = nil
	}
	return plaintext, nil
}

func (k *MessageKey) open(ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.key[:])
	if err != nil {
		panic("ratchet: " + err.Error())
	}
	plaintext, err := aead.Open(nil, k.nonce(), ciphertext, k.associated(ad))
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Wipe zeroes the key.
func (k *MessageKey) Wipe() { secret.Zero(k.key[:]) }

func (k *MessageKey) nonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[8:], k.header.Counter)
	return nonce
}

func (k *MessageKey) associated(ad []byte) []byte {
	out := make([]byte, 0, len(k.encoded)+len(ad))
	out = append(out, k.encoded...)
	return append(out, ad...)
}
