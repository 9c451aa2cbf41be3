// Package ratchet implements the L3 double ratchet session: a two-party
// forward-secure channel with the Signal-style sending/receiving chain
// structure, skipped-key window, and AEAD message encryption. Grounded on
// cryptoutil's ECDH/HKDF/AEAD primitives (there is no ratchet precedent in
// the teacher; this is built from the raw crypto primitives the way the
// teacher's security.go builds its caveat/DCT model from first
// principles). The package carries no transport of its own: callers move
// the encrypted messages between peers.
package ratchet

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"dataparency-dev/AI-delegation/internal/cryptoutil"
)

var (
	ErrDecryptionFailed = errors.New("ratchet: decryption_failed")
	ErrMaxSkipExceeded  = errors.New("ratchet: max_skip_exceeded")
)

const (
	rootInfo  = "arbor-ratchet-root-v1"
	chainInfo = "arbor-ratchet-chain-v1"
)

// Header accompanies every ciphertext: the sender's current ratchet
// public key, the length of the previous sending chain, and the message
// counter within the current chain.
type Header struct {
	DHPublic     [32]byte
	PrevChainLen int
	N            int
}

// CanonicalBytes renders the header deterministically for use as AEAD AAD.
func (h Header) CanonicalBytes() []byte {
	b := make([]byte, 32+4+4)
	copy(b, h.DHPublic[:])
	binary.BigEndian.PutUint32(b[32:], uint32(h.PrevChainLen))
	binary.BigEndian.PutUint32(b[36:], uint32(h.N))
	return b
}

type chain struct {
	key [32]byte
	n   int
	set bool
}

type skippedKey struct {
	remoteDH [32]byte
	n        int
}

// Session holds one party's double-ratchet state. Zero value is not
// usable; construct via InitSender or InitReceiver.
type Session struct {
	dhPub  [32]byte
	dhPriv [32]byte

	dhRemote    [32]byte
	hasRemote   bool

	rootKey [32]byte

	send     chain
	recv     chain
	prevLen  int

	skipped map[skippedKey][32]byte
	maxSkip int
}

func genKeypair() (pub, priv [32]byte, err error) {
	return cryptoutil.GenerateX25519Keypair()
}

func kdfRK(rootKey [32]byte, dhOut []byte) (newRoot [32]byte, chainKey [32]byte, err error) {
	out, err := cryptoutil.HKDF(append(rootKey[:], dhOut...), []byte(rootInfo), 64)
	if err != nil {
		return newRoot, chainKey, err
	}
	copy(newRoot[:], out[:32])
	copy(chainKey[:], out[32:64])
	return newRoot, chainKey, nil
}

func kdfCK(chainKey [32]byte) (newChainKey [32]byte, messageKey [32]byte, err error) {
	out, err := cryptoutil.HKDF(chainKey[:], []byte(chainInfo), 64)
	if err != nil {
		return newChainKey, messageKey, err
	}
	copy(newChainKey[:], out[:32])
	copy(messageKey[:], out[32:64])
	return newChainKey, messageKey, nil
}

// InitSender starts a session as the party that performed the initial
// key agreement and already knows the remote's ratchet public key.
func InitSender(sharedSecret [32]byte, remotePub [32]byte, maxSkip int) (*Session, error) {
	pub, priv, err := genKeypair()
	if err != nil {
		return nil, err
	}
	dhOut, err := cryptoutil.ECDH(priv[:], remotePub[:])
	if err != nil {
		return nil, err
	}
	newRoot, sendChainKey, err := kdfRK(sharedSecret, dhOut)
	if err != nil {
		return nil, err
	}
	return &Session{
		dhPub: pub, dhPriv: priv,
		dhRemote: remotePub, hasRemote: true,
		rootKey: newRoot,
		send:    chain{key: sendChainKey, n: 0, set: true},
		skipped: make(map[skippedKey][32]byte),
		maxSkip: maxSkip,
	}, nil
}

// InitReceiver starts a session as the party waiting for the first
// message; dh_remote is unset until the first header is processed.
func InitReceiver(sharedSecret [32]byte, ownPub, ownPriv [32]byte, maxSkip int) *Session {
	return &Session{
		dhPub: ownPub, dhPriv: ownPriv,
		rootKey: sharedSecret,
		skipped: make(map[skippedKey][32]byte),
		maxSkip: maxSkip,
	}
}

// Encrypt advances the sending chain and produces a header + ciphertext.
// Returns a new Session value reflecting the advanced state; the receiver
// calls Decrypt to recover plaintext.
func (s Session) Encrypt(plaintext, aad []byte) (Session, Header, []byte, error) {
	if !s.send.set {
		return Session{}, Header{}, nil, fmt.Errorf("ratchet: no sending chain established")
	}
	newChainKey, msgKey, err := kdfCK(s.send.key)
	if err != nil {
		return Session{}, Header{}, nil, err
	}
	header := Header{DHPublic: s.dhPub, PrevChainLen: s.prevLen, N: s.send.n}
	fullAAD := append(header.CanonicalBytes(), aad...)
	ct, iv, tag, err := cryptoutil.AEADEncrypt(plaintext, msgKey[:], fullAAD)
	if err != nil {
		return Session{}, Header{}, nil, err
	}
	out := s
	out.send = chain{key: newChainKey, n: s.send.n + 1, set: true}
	blob := make([]byte, 0, len(iv)+len(tag)+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return out, header, blob, nil
}

func splitIVTagCT(blob []byte) (iv, tag, ct []byte, err error) {
	if len(blob) < cryptoutil.NonceSize+cryptoutil.TagSize {
		return nil, nil, nil, ErrDecryptionFailed
	}
	iv = blob[:cryptoutil.NonceSize]
	tag = blob[cryptoutil.NonceSize : cryptoutil.NonceSize+cryptoutil.TagSize]
	ct = blob[cryptoutil.NonceSize+cryptoutil.TagSize:]
	return iv, tag, ct, nil
}

// Decrypt advances the receiving chain (performing a DH ratchet step if
// header.DHPublic differs from the last known dh_remote), storing skipped
// message keys as needed. Returns the new session and recovered
// plaintext, or ErrDecryptionFailed / ErrMaxSkipExceeded.
func (s Session) Decrypt(header Header, blob, aad []byte) (Session, []byte, error) {
	iv, tag, ct, err := splitIVTagCT(blob)
	if err != nil {
		return Session{}, nil, err
	}
	fullAAD := append(header.CanonicalBytes(), aad...)

	out := s

	if sk, ok := out.trySkipped(header); ok {
		pt, err := cryptoutil.AEADDecrypt(ct, sk[:], iv, tag, fullAAD)
		if err != nil {
			return Session{}, nil, ErrDecryptionFailed
		}
		return out, pt, nil
	}

	if !out.hasRemote || header.DHPublic != out.dhRemote {
		if out.recv.set {
			if err := out.skipMessageKeys(out.dhRemote, header.PrevChainLen); err != nil {
				return Session{}, nil, err
			}
		}
		if err := out.dhRatchet(header.DHPublic); err != nil {
			return Session{}, nil, err
		}
	}

	if err := out.skipMessageKeys(header.DHPublic, header.N); err != nil {
		return Session{}, nil, err
	}

	newChainKey, msgKey, err := kdfCK(out.recv.key)
	if err != nil {
		return Session{}, nil, err
	}
	pt, err := cryptoutil.AEADDecrypt(ct, msgKey[:], iv, tag, fullAAD)
	if err != nil {
		return Session{}, nil, ErrDecryptionFailed
	}
	out.recv = chain{key: newChainKey, n: header.N + 1, set: true}
	return out, pt, nil
}

func (s *Session) trySkipped(header Header) ([32]byte, bool) {
	key := skippedKey{remoteDH: header.DHPublic, n: header.N}
	mk, ok := s.skipped[key]
	if ok {
		delete(s.skipped, key)
	}
	return mk, ok
}

// skipMessageKeys derives and stores message keys for every counter
// between the current receiving chain position and upTo (exclusive),
// bounded by maxSkip.
func (s *Session) skipMessageKeys(remoteDH [32]byte, upTo int) error {
	if !s.recv.set {
		return nil
	}
	if upTo-s.recv.n > s.maxSkip {
		return ErrMaxSkipExceeded
	}
	for s.recv.n < upTo {
		newChainKey, msgKey, err := kdfCK(s.recv.key)
		if err != nil {
			return err
		}
		s.skipped[skippedKey{remoteDH: remoteDH, n: s.recv.n}] = msgKey
		s.recv.key = newChainKey
		s.recv.n++
	}
	return nil
}

// dhRatchet performs a DH ratchet step upon receiving a new remote
// ratchet public key: derive new receiving chain from the old keypair,
// then rotate to a fresh sending keypair and derive the new sending
// chain.
func (s *Session) dhRatchet(remotePub [32]byte) error {
	dhOut1, err := cryptoutil.ECDH(s.dhPriv[:], remotePub[:])
	if err != nil {
		return err
	}
	newRoot, recvChainKey, err := kdfRK(s.rootKey, dhOut1)
	if err != nil {
		return err
	}
	s.rootKey = newRoot
	s.recv = chain{key: recvChainKey, n: 0, set: true}
	s.dhRemote = remotePub
	s.hasRemote = true

	newPub, newPriv, err := genKeypair()
	if err != nil {
		return err
	}
	dhOut2, err := cryptoutil.ECDH(newPriv[:], remotePub[:])
	if err != nil {
		return err
	}
	newRoot2, sendChainKey, err := kdfRK(s.rootKey, dhOut2)
	if err != nil {
		return err
	}
	s.prevLen = s.send.n
	s.rootKey = newRoot2
	s.send = chain{key: sendChainKey, n: 0, set: true}
	s.dhPub = newPub
	s.dhPriv = newPriv
	return nil
}

// ToMap serializes the session deterministically for persistence. A
// restored session (via FromMap) must continue both Encrypt and Decrypt
// correctly.
func (s Session) ToMap() map[string]any {
	m := map[string]any{
		"dh_pub":     b64(s.dhPub[:]),
		"dh_priv":    b64(s.dhPriv[:]),
		"root_key":   b64(s.rootKey[:]),
		"has_remote": s.hasRemote,
		"max_skip":   s.maxSkip,
		"prev_len":   s.prevLen,
	}
	if s.hasRemote {
		m["dh_remote"] = b64(s.dhRemote[:])
	}
	if s.send.set {
		m["send_key"] = b64(s.send.key[:])
		m["send_n"] = s.send.n
	}
	if s.recv.set {
		m["recv_key"] = b64(s.recv.key[:])
		m["recv_n"] = s.recv.n
	}
	skipped := make([]map[string]any, 0, len(s.skipped))
	for k, v := range s.skipped {
		skipped = append(skipped, map[string]any{
			"remote_dh": b64(k.remoteDH[:]),
			"n":         k.n,
			"key":       b64(v[:]),
		})
	}
	m["skipped"] = skipped
	return m
}

// FromMap restores a session produced by ToMap.
func FromMap(m map[string]any) (Session, error) {
	var s Session
	var err error
	if s.dhPub, err = b64Arr32(m["dh_pub"]); err != nil {
		return Session{}, err
	}
	if s.dhPriv, err = b64Arr32(m["dh_priv"]); err != nil {
		return Session{}, err
	}
	if s.rootKey, err = b64Arr32(m["root_key"]); err != nil {
		return Session{}, err
	}
	s.hasRemote, _ = m["has_remote"].(bool)
	if s.hasRemote {
		if s.dhRemote, err = b64Arr32(m["dh_remote"]); err != nil {
			return Session{}, err
		}
	}
	s.maxSkip = toInt(m["max_skip"])
	s.prevLen = toInt(m["prev_len"])
	if v, ok := m["send_key"]; ok {
		key, err := b64Arr32(v)
		if err != nil {
			return Session{}, err
		}
		s.send = chain{key: key, n: toInt(m["send_n"]), set: true}
	}
	if v, ok := m["recv_key"]; ok {
		key, err := b64Arr32(v)
		if err != nil {
			return Session{}, err
		}
		s.recv = chain{key: key, n: toInt(m["recv_n"]), set: true}
	}
	s.skipped = make(map[skippedKey][32]byte)
	if list, ok := m["skipped"].([]map[string]any); ok {
		for _, entry := range list {
			remoteDH, err := b64Arr32(entry["remote_dh"])
			if err != nil {
				continue
			}
			key, err := b64Arr32(entry["key"])
			if err != nil {
				continue
			}
			s.skipped[skippedKey{remoteDH: remoteDH, n: toInt(entry["n"])}] = key
		}
	}
	return s, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func b64Arr32(v any) ([32]byte, error) {
	var out [32]byte
	s, ok := v.(string)
	if !ok {
		return out, fmt.Errorf("ratchet: expected base64 string")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("ratchet: malformed key material")
	}
	copy(out[:], b)
	return out, nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}
