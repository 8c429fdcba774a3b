// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/tallow/identity"
	"github.com/bureau-foundation/tallow/internal/kex"
	"github.com/bureau-foundation/tallow/lib/clock"
	"github.com/bureau-foundation/tallow/lib/digest"
	"github.com/bureau-foundation/tallow/lib/secret"
)

// HKDF labels.
const (
	infoRoot    = "tallow.handshake.root.v1"
	infoConfirm = "tallow.handshake.confirm.v1"
	infoSAS     = "tallow.handshake.sas.v1"

	transcriptLabel = "tallow.handshake.v1"
	RootKeySize     = 32
)

// Role distinguishes the two ends of a session.
type Role uint8

const (
	Initiator Role = 1
	Responder Role = 2
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// SessionSecret is the result of one handshake. It exists only in
// memory and must be destroyed once the ratchet has been built from it.
type SessionSecret struct {
	Role    Role
	RootKey *secret.Buffer

	// Bundle fingerprints of this side and the peer.
	LocalFingerprint  digest.Hash
	RemoteFingerprint digest.Hash
	Transcript        digest.Hash
	SAS               string
	PeerIdentity      ed25519.PublicKey

	// Ratchet bootstrap: this side's handshake ephemeral and the
	// peer's ephemeral public key.
	LocalRatchet  kex.X25519Pair
	RemoteRatchet [kex.X25519Size]byte
}

// Destroy wipes the root key and the ratchet private key.
func (s *SessionSecret) Destroy() {
	if s.RootKey != nil {
		s.RootKey.Close()
	}
	s.LocalRatchet.Wipe()
}

// Engine runs handshakes for one local identity.
type Engine struct {
	store  *identity.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New returns an Engine that answers with and initiates from store.
func New(store *identity.Store, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{store: store, clock: clk, logger: logger}
}

// Pending is an initiator waiting for the response.
type Pending struct {
	engine         *Engine
	local          *identity.PrekeyPair
	localIdentity  ed25519.PublicKey
	remote         *identity.PrekeyBundle
	remoteEncoded  []byte
	remoteIdentity ed25519.PublicKey
	peer           string
	ephemeral      kex.X25519Pair
	ciphertext     [kex.KEMCiphertextSize]byte
	kemShared      [kex.SharedSize]byte
	done           bool
}

// Initiate verifies the responder's bundle and returns the init message
// to send. Call Finish with the response, or Abort.
func (e *Engine) Initiate(remoteBundle []byte, remoteIdentity ed25519.PublicKey) (*Pending, []byte, error) {
	peer := identity.IdentityFingerprint(remoteIdentity).Short()
	bundle, err := identity.VerifyBundle(remoteBundle, remoteIdentity, e.clock.Now())
	if err != nil {
		return nil, nil, bundleError(StageBundle, peer, remoteBundle, err)
	}
	local, err := e.store.Current()
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: local prekey: %w", err)
	}
	ephemeral, err := kex.NewX25519()
	if err != nil {
		return nil, nil, err
	}
	ciphertext, shared, err := kex.Encapsulate(bundle.KEMPublic[:])
	if err != nil {
		ephemeral.Wipe()
		return nil, nil, &MalformedBundleError{Stage: StageBundle, Peer: peer, Err: err}
	}

	pending := &Pending{
		engine:         e,
		local:          local,
		localIdentity:  e.store.Identity().PublicKey(),
		remote:         bundle,
		remoteEncoded:  append([]byte(nil), remoteBundle...),
		remoteIdentity: append(ed25519.PublicKey(nil), remoteIdentity...),
		peer:           peer,
		ephemeral:      ephemeral,
		ciphertext:     ciphertext,
		kemShared:      shared,
	}
	message := initMessage{
		identity:   pending.localIdentity,
		bundle:     local.Encoded,
		target:     digest.Sum(digest.Fingerprint, remoteBundle),
		ephemeral:  ephemeral.Public,
		ciphertext: ciphertext,
	}
	e.logger.Debug("handshake initiated", "peer", peer, "remote_bundle", message.target.Short())
	return pending, message.encode(), nil
}

// Abort wipes the pending state. It is safe to call after Finish.
func (p *Pending) Abort() {
	p.ephemeral.Wipe()
	secret.Zero(p.kemShared[:])
	p.done = true
}

// Finish processes the response and returns the session secret.
// Whatever the outcome, the Pending cannot be reused.
func (p *Pending) Finish(response []byte) (*SessionSecret, error) {
	if p.done {
		return nil, errors.New("handshake: Finish called twice")
	}
	defer func() {
		secret.Zero(p.kemShared[:])
		p.done = true
	}()

	message, err := decodeResponse(response)
	if err != nil {
		p.ephemeral.Wipe()
		return nil, &MalformedBundleError{Stage: StageResponse, Peer: p.peer, Err: err}
	}
	responderShared, err := p.local.KEM.Decapsulate(message.ciphertext[:])
	if err != nil {
		p.ephemeral.Wipe()
		return nil, &MalformedBundleError{Stage: StageResponse, Peer: p.peer, Err: err}
	}
	defer secret.Zero(responderShared[:])

	// DH ordering is fixed from the initiator's point of view so both
	// sides feed identical input keying material.
	dh := make([][kex.SharedSize]byte, 4)
	defer func() {
		for index := range dh {
			secret.Zero(dh[index][:])
		}
	}()
	pairs := []struct{ private, public [kex.X25519Size]byte }{
		{p.local.ECDH.Private, p.remote.ECDHPublic},
		{p.ephemeral.Private, p.remote.ECDHPublic},
		{p.local.ECDH.Private, message.ephemeral},
		{p.ephemeral.Private, message.ephemeral},
	}
	for index, pair := range pairs {
		if dh[index], err = kex.DH(pair.private, pair.public); err != nil {
			p.ephemeral.Wipe()
			return nil, &AuthenticationError{Stage: StageAgreement, Peer: p.peer, Err: err}
		}
	}

	t := transcriptInput{
		initiatorIdentity: p.localIdentity,
		responderIdentity: p.remoteIdentity,
		initiatorBundle:   p.local.Fingerprint,
		responderBundle:   digest.Sum(digest.Fingerprint, p.remoteEncoded),
		initiatorEphem:    p.ephemeral.Public,
		responderEphem:    message.ephemeral,
		toResponder:       p.ciphertext,
		toInitiator:       message.ciphertext,
	}
	keys := deriveKeys(t.hash(), dh, p.kemShared, responderShared)
	defer keys.wipeTransient()

	expected := confirmTag(keys.confirm[:], keys.transcript)
	if !kex.Equal(expected[:], message.confirm[:]) {
		keys.wipeRoot()
		p.ephemeral.Wipe()
		return nil, &AuthenticationError{Stage: StageConfirm, Peer: p.peer, Err: errors.New("key confirmation mismatch")}
	}

	session, err := keys.session(Initiator)
	if err != nil {
		p.ephemeral.Wipe()
		return nil, err
	}
	session.LocalFingerprint = t.initiatorBundle
	session.RemoteFingerprint = t.responderBundle
	session.PeerIdentity = p.remoteIdentity
	session.LocalRatchet = p.ephemeral
	session.RemoteRatchet = message.ephemeral
	p.ephemeral = kex.X25519Pair{}

	p.engine.logger.Info("handshake complete",
		"role", Initiator.String(),
		"peer", p.peer,
		"transcript", session.Transcript.Short(),
	)
	return session, nil
}

// Respond processes an init message. If expectedPeer is non-nil the
// initiator must present that identity; otherwise any identity is
// accepted, reported in SessionSecret.PeerIdentity, and bound into the
// SAS for the user to confirm.
func (e *Engine) Respond(init []byte, expectedPeer ed25519.PublicKey) (*SessionSecret, []byte, error) {
	message, err := decodeInit(init)
	if err != nil {
		return nil, nil, &MalformedBundleError{Stage: StageInit, Err: err}
	}
	peer := identity.IdentityFingerprint(message.identity).Short()
	if expectedPeer != nil && !kex.Equal(expectedPeer, message.identity) {
		return nil, nil, &AuthenticationError{Stage: StageInit, Peer: peer, Err: errors.New("unexpected initiator identity")}
	}

	remote, err := identity.VerifyBundle(message.bundle, message.identity, e.clock.Now())
	if err != nil {
		return nil, nil, bundleError(StageBundle, peer, message.bundle, err)
	}
	local, ok := e.store.Lookup(message.target)
	if !ok {
		return nil, nil, &AuthenticationError{Stage: StagePrekey, Peer: peer, Err: fmt.Errorf("prekey %s unknown or retired", message.target.Short())}
	}

	initiatorShared, err := local.KEM.Decapsulate(message.ciphertext[:])
	if err != nil {
		return nil, nil, &MalformedBundleError{Stage: StageInit, Peer: peer, Err: err}
	}
	defer secret.Zero(initiatorShared[:])

	ephemeral, err := kex.NewX25519()
	if err != nil {
		return nil, nil, err
	}
	toInitiator, responderShared, err := kex.Encapsulate(remote.KEMPublic[:])
	if err != nil {
		ephemeral.Wipe()
		return nil, nil, &MalformedBundleError{Stage: StageBundle, Peer: peer, Err: err}
	}
	defer secret.Zero(responderShared[:])

	dh := make([][kex.SharedSize]byte, 4)
	defer func() {
		for index := range dh {
			secret.Zero(dh[index][:])
		}
	}()
	pairs := []struct{ private, public [kex.X25519Size]byte }{
		{local.ECDH.Private, remote.ECDHPublic},
		{local.ECDH.Private, message.ephemeral},
		{ephemeral.Private, remote.ECDHPublic},
		{ephemeral.Private, message.ephemeral},
	}
	for index, pair := range pairs {
		if dh[index], err = kex.DH(pair.private, pair.public); err != nil {
			ephemeral.Wipe()
			return nil, nil, &AuthenticationError{Stage: StageAgreement, Peer: peer, Err: err}
		}
	}

	t := transcriptInput{
		initiatorIdentity: message.identity,
		responderIdentity: e.store.Identity().PublicKey(),
		initiatorBundle:   digest.Sum(digest.Fingerprint, message.bundle),
		responderBundle:   local.Fingerprint,
		initiatorEphem:    message.ephemeral,
		responderEphem:    ephemeral.Public,
		toResponder:       message.ciphertext,
		toInitiator:       toInitiator,
	}
	keys := deriveKeys(t.hash(), dh, initiatorShared, responderShared)
	defer keys.wipeTransient()

	session, err := keys.session(Responder)
	if err != nil {
		ephemeral.Wipe()
		return nil, nil, err
	}
	session.LocalFingerprint = t.responderBundle
	session.RemoteFingerprint = t.initiatorBundle
	session.PeerIdentity = message.identity
	session.LocalRatchet = ephemeral
	session.RemoteRatchet = message.ephemeral

	response := responseMessage{
		ephemeral:  ephemeral.Public,
		ciphertext: toInitiator,
		confirm:    confirmTag(keys.confirm[:], keys.transcript),
	}
	e.logger.Info("handshake complete",
		"role", Responder.String(),
		"peer", peer,
		"transcript", session.Transcript.Short(),
	)
	return session, response.encode(), nil
}

type transcriptInput struct {
	initiatorIdentity, responderIdentity ed25519.PublicKey
	initiatorBundle, responderBundle     digest.Hash
	initiatorEphem, responderEphem       [kex.X25519Size]byte
	toResponder, toInitiator             [kex.KEMCiphertextSize]byte
}

func (t *transcriptInput) hash() digest.Hash {
	hasher := digest.New(digest.Transcript)
	hasher.WriteField([]byte(transcriptLabel))
	hasher.WriteField(t.initiatorIdentity)
	hasher.WriteField(t.responderIdentity)
	hasher.WriteField(t.initiatorBundle[:])
	hasher.WriteField(t.responderBundle[:])
	hasher.WriteField(t.initiatorEphem[:])
	hasher.WriteField(t.responderEphem[:])
	hasher.WriteField(t.toResponder[:])
	hasher.WriteField(t.toInitiator[:])
	return hasher.Sum()
}

type derivedKeys struct {
	transcript digest.Hash
	root       [RootKeySize]byte
	confirm    [32]byte
	sas        string
}

func deriveKeys(transcript digest.Hash, dh [][kex.SharedSize]byte, initiatorKEM, responderKEM [kex.SharedSize]byte) *derivedKeys {
	ikm := make([]byte, 0, 6*kex.SharedSize)
	for _, shared := range dh {
		ikm = append(ikm, shared[:]...)
	}
	ikm = append(ikm, initiatorKEM[:]...)
	ikm = append(ikm, responderKEM[:]...)
	defer secret.Zero(ikm)

	keys := &derivedKeys{transcript: transcript}
	kex.Derive(keys.root[:], ikm, transcript[:], infoRoot)
	kex.Derive(keys.confirm[:], ikm, transcript[:], infoConfirm)

	var sasBytes [8]byte
	kex.Derive(sasBytes[:], transcript[:], nil, infoSAS)
	keys.sas = formatSAS(binary.BigEndian.Uint64(sasBytes[:]))
	return keys
}

// formatSAS renders 12 decimal digits as three groups of four.
func formatSAS(value uint64) string {
	digits := fmt.Sprintf("%012d", value%1_000_000_000_000)
	return digits[0:4] + "-" + digits[4:8] + "-" + digits[8:12]
}

func confirmTag(key []byte, transcript digest.Hash) [32]byte {
	return kex.MAC(key, []byte("responder confirm"), transcript[:])
}

// session moves the root key into protected memory. The plain copy is
// wiped whether or not that succeeds.
func (k *derivedKeys) session(role Role) (*SessionSecret, error) {
	defer k.wipeRoot()
	root, err := secret.NewFromBytes(k.root[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: storing root key: %w", err)
	}
	return &SessionSecret{
		Role:       role,
		RootKey:    root,
		Transcript: k.transcript,
		SAS:        k.sas,
	}, nil
}

func (k *derivedKeys) wipeTransient() { secret.Zero(k.confirm[:]) }

func (k *derivedKeys) wipeRoot() { secret.Zero(k.root[:]) }
