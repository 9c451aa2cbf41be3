// Package channel implements L3 group channels: a shared 32-byte
// symmetric key per channel, sealed invitations for new members, and key
// rotation on membership change. Grounded on natsclient's
// InitChannel/SecureChannelPublish/SecureChannelQueueSubscribe (already
// wrapped in internal/natsbackend) for the transport side, and on
// cryptoutil's ECDH/HKDF/AEAD for sealing invitations to a specific
// member's encryption public key.
package channel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dataparency-dev/AI-delegation/internal/cryptoutil"
)

var (
	ErrNotAMember       = errors.New("channel: not_a_member")
	ErrNotCreator       = errors.New("channel: not_creator")
	ErrCannotRevokeSelf = errors.New("channel: cannot_revoke_self")
	ErrUnknownChannel   = errors.New("channel: unknown_channel")
	ErrKeyVersionMismatch = errors.New("channel: key_version_mismatch")
)

const sealInfo = "arbor-channel-seal-v1"

// SealedEnvelope is {ciphertext, iv, tag, sender_public} per §6.
type SealedEnvelope struct {
	Ciphertext   []byte
	IV           []byte
	Tag          []byte
	SenderPublic [32]byte
}

// Invitation carries a channel key sealed to the invitee's encryption
// public key.
type Invitation struct {
	ChannelID string
	KeyVersion int
	Sealed    SealedEnvelope
}

// MessageEnvelope is {channel_id, key_version, iv, tag, ciphertext} per §6.
type MessageEnvelope struct {
	ChannelID   string
	KeyVersion  int
	IV          []byte
	Tag         []byte
	Ciphertext  []byte
}

// Channel is a channel's membership/version record. The symmetric key
// itself lives only in each member's local keychain, never here.
type Channel struct {
	ID        string
	Name      string
	CreatorID string
	Members   map[string]struct{}
	KeyVersion int
	CreatedAt time.Time
}

// Keychain holds the current symmetric key for one member's view of one
// channel.
type Keychain struct {
	mu   sync.Mutex
	keys map[string][32]byte // channel_id -> current key
}

func NewKeychain() *Keychain { return &Keychain{keys: make(map[string][32]byte)} }

func (k *Keychain) set(channelID string, key [32]byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[channelID] = key
}

func (k *Keychain) get(channelID string) ([32]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[channelID]
	return key, ok
}

// Publisher abstracts the transport a channel's messages are published
// over (wraps natsbackend.Backend.PublishSecure in production).
type Publisher interface {
	Publish(channelID string, envelope MessageEnvelope) error
}

// EncryptionKeyLookup resolves a member's registered encryption public key,
// so that an invitation is sealed to the identity the invitee actually
// registered rather than to an arbitrary key the caller hands in.
// Satisfied by identity.Registry.
type EncryptionKeyLookup interface {
	LookupEncryptionKey(agentID string) ([]byte, error)
}

// Manager owns every channel's membership/version state, serializing
// mutations per channel.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*Channel
	keys     map[string][32]byte // channel_id -> current symmetric key (server-side custodian for sealing new invitations)
	onAudit  func(event string, channelID, memberID string)
	publisher Publisher
	lookup   EncryptionKeyLookup
}

func NewManager(publisher Publisher, lookup EncryptionKeyLookup, onAudit func(event, channelID, memberID string)) *Manager {
	if onAudit == nil {
		onAudit = func(string, string, string) {}
	}
	return &Manager{
		channels: make(map[string]*Channel),
		keys:     make(map[string][32]byte),
		onAudit:  onAudit,
		publisher: publisher,
		lookup:   lookup,
	}
}

func randomKey() ([32]byte, error) {
	var k [32]byte
	b, err := cryptoutil.RandomBytes(32)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

// Create establishes a new channel with creatorID as its sole member.
func (m *Manager) Create(id, name, creatorID string) (*Channel, [32]byte, error) {
	key, err := randomKey()
	if err != nil {
		return nil, key, err
	}
	ch := &Channel{
		ID: id, Name: name, CreatorID: creatorID,
		Members: map[string]struct{}{creatorID: {}},
		KeyVersion: 1,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.channels[id] = ch
	m.keys[id] = key
	m.mu.Unlock()
	m.onAudit("channel_created", id, creatorID)
	return ch, key, nil
}

// Invite looks up inviteeID's registered encryption public key and seals
// the channel's current key to it, provided inviterID is a member. The
// invitation is bound to whatever key inviteeID has on record with the
// identity registry, not a key the caller supplies directly.
func (m *Manager) Invite(channelID, inviterID, inviteeID string) (Invitation, error) {
	if m.lookup == nil {
		return Invitation{}, fmt.Errorf("channel: no encryption key lookup configured")
	}
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return Invitation{}, ErrUnknownChannel
	}
	if _, isMember := ch.Members[inviterID]; !isMember {
		m.mu.Unlock()
		return Invitation{}, ErrNotAMember
	}
	key := m.keys[channelID]
	version := ch.KeyVersion
	m.mu.Unlock()

	pubBytes, err := m.lookup.LookupEncryptionKey(inviteeID)
	if err != nil {
		return Invitation{}, fmt.Errorf("channel: lookup encryption key for %s: %w", inviteeID, err)
	}
	if len(pubBytes) != 32 {
		return Invitation{}, fmt.Errorf("channel: encryption key for %s has unexpected length %d", inviteeID, len(pubBytes))
	}
	var inviteeEncPub [32]byte
	copy(inviteeEncPub[:], pubBytes)

	sealed, err := seal(key[:], inviteeEncPub)
	if err != nil {
		return Invitation{}, err
	}
	return Invitation{ChannelID: channelID, KeyVersion: version, Sealed: sealed}, nil
}

// AcceptInvitation unseals inv's key using the invitee's encryption
// private key, stores it in keychain, and adds the invitee to members.
func (m *Manager) AcceptInvitation(inv Invitation, inviteeID string, inviteeEncPriv [32]byte, keychain *Keychain) error {
	key, err := unseal(inv.Sealed, inviteeEncPriv)
	if err != nil {
		return err
	}
	var keyArr [32]byte
	copy(keyArr[:], key)
	keychain.set(inv.ChannelID, keyArr)

	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[inv.ChannelID]
	if !ok {
		return ErrUnknownChannel
	}
	ch.Members[inviteeID] = struct{}{}
	m.onAudit("channel_member_joined", inv.ChannelID, inviteeID)
	return nil
}

// Send encrypts payload with the channel's current key and publishes it.
// senderID must be a member.
func (m *Manager) Send(channelID, senderID string, payload []byte) error {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownChannel
	}
	if _, isMember := ch.Members[senderID]; !isMember {
		m.mu.Unlock()
		return ErrNotAMember
	}
	key := m.keys[channelID]
	version := ch.KeyVersion
	m.mu.Unlock()

	ct, iv, tag, err := cryptoutil.AEADEncrypt(payload, key[:], []byte(channelID))
	if err != nil {
		return err
	}
	envelope := MessageEnvelope{ChannelID: channelID, KeyVersion: version, IV: iv, Tag: tag, Ciphertext: ct}
	if m.publisher != nil {
		return m.publisher.Publish(channelID, envelope)
	}
	return nil
}

// Receive decrypts an envelope using the local keychain. The keychain
// records no key_version, so Receive does not compare the envelope's
// key_version with anything: it decrypts with whatever key the keychain
// holds for the channel, and an envelope sealed under a different key
// fails with cryptoutil.ErrDecryptionFailed.
func Receive(envelope MessageEnvelope, keychain *Keychain) ([]byte, error) {
	key, ok := keychain.get(envelope.ChannelID)
	if !ok {
		return nil, ErrUnknownChannel
	}
	return cryptoutil.AEADDecrypt(envelope.Ciphertext, key[:], envelope.IV, envelope.Tag, []byte(envelope.ChannelID))
}

// rotateLocked generates a fresh key, bumps key_version, and returns the
// remaining member list that must receive the new key. Caller holds m.mu.
func (m *Manager) rotateLocked(ch *Channel) ([]string, error) {
	newKey, err := randomKey()
	if err != nil {
		return nil, err
	}
	ch.KeyVersion++
	m.keys[ch.ID] = newKey

	members := make([]string, 0, len(ch.Members))
	for id := range ch.Members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members, nil
}

// RotateKey generates a fresh key if requesterID is the creator.
func (m *Manager) RotateKey(channelID, requesterID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrUnknownChannel
	}
	if ch.CreatorID != requesterID {
		return nil, ErrNotCreator
	}
	members, err := m.rotateLocked(ch)
	if err != nil {
		return nil, err
	}
	m.onAudit("channel_key_rotated", channelID, requesterID)
	return members, nil
}

// Leave removes memberID from the channel. If rotateOnLeave, the key is
// rotated. If the creator leaves and members remain, one remaining member
// is deterministically promoted (lexicographically smallest ID). If the
// last member leaves, the channel is destroyed.
func (m *Manager) Leave(channelID, memberID string, rotateOnLeave bool) ([]string, error) {
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownChannel
	}
	if _, isMember := ch.Members[memberID]; !isMember {
		m.mu.Unlock()
		return nil, ErrNotAMember
	}
	delete(ch.Members, memberID)

	if len(ch.Members) == 0 {
		delete(m.channels, channelID)
		delete(m.keys, channelID)
		m.mu.Unlock()
		m.onAudit("channel_destroyed", channelID, memberID)
		return nil, nil
	}

	if ch.CreatorID == memberID {
		remaining := make([]string, 0, len(ch.Members))
		for id := range ch.Members {
			remaining = append(remaining, id)
		}
		sort.Strings(remaining)
		ch.CreatorID = remaining[0]
	}

	var remainingMembers []string
	var err error
	if rotateOnLeave {
		remainingMembers, err = m.rotateLocked(ch)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.onAudit("channel_member_left", channelID, memberID)
	return remainingMembers, nil
}

// Revoke removes targetID from the channel. Only the creator may revoke;
// revoking oneself is rejected. Revocation always rotates the key.
func (m *Manager) Revoke(channelID, targetID, revokerID string) ([]string, error) {
	if revokerID == targetID {
		return nil, ErrCannotRevokeSelf
	}
	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownChannel
	}
	if ch.CreatorID != revokerID {
		m.mu.Unlock()
		return nil, ErrNotCreator
	}
	if _, isMember := ch.Members[targetID]; !isMember {
		m.mu.Unlock()
		return nil, ErrNotAMember
	}
	delete(ch.Members, targetID)
	members, err := m.rotateLocked(ch)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.onAudit("channel_member_revoked", channelID, targetID)
	return members, nil
}

func seal(plaintextKey []byte, recipientPub [32]byte) (SealedEnvelope, error) {
	ephPub, ephPriv, err := cryptoutil.GenerateX25519Keypair()
	if err != nil {
		return SealedEnvelope{}, err
	}
	shared, err := cryptoutil.ECDH(ephPriv[:], recipientPub[:])
	if err != nil {
		return SealedEnvelope{}, err
	}
	aeadKey, err := cryptoutil.HKDF(shared, []byte(sealInfo), cryptoutil.KeySize)
	if err != nil {
		return SealedEnvelope{}, err
	}
	ct, iv, tag, err := cryptoutil.AEADEncrypt(plaintextKey, aeadKey, nil)
	if err != nil {
		return SealedEnvelope{}, err
	}
	return SealedEnvelope{Ciphertext: ct, IV: iv, Tag: tag, SenderPublic: ephPub}, nil
}

func unseal(env SealedEnvelope, recipientPriv [32]byte) ([]byte, error) {
	shared, err := cryptoutil.ECDH(recipientPriv[:], env.SenderPublic[:])
	if err != nil {
		return nil, err
	}
	aeadKey, err := cryptoutil.HKDF(shared, []byte(sealInfo), cryptoutil.KeySize)
	if err != nil {
		return nil, err
	}
	return cryptoutil.AEADDecrypt(env.Ciphertext, aeadKey, env.IV, env.Tag, nil)
}
