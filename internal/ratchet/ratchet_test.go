package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dataparency-dev/AI-delegation/internal/cryptoutil"
)

func newPair(t *testing.T, maxSkip int) (alice *Session, bob *Session) {
	t.Helper()
	bobPub, bobPriv, err := cryptoutil.GenerateX25519Keypair()
	require.NoError(t, err)

	var sharedSecret [32]byte
	copy(sharedSecret[:], mustRandom(t, 32))

	a, err := InitSender(sharedSecret, bobPub, maxSkip)
	require.NoError(t, err)
	b := InitReceiver(sharedSecret, bobPub, bobPriv, maxSkip)
	return a, b
}

func mustRandom(t *testing.T, n int) []byte {
	t.Helper()
	b, err := cryptoutil.RandomBytes(n)
	require.NoError(t, err)
	return b
}

func TestInOrderRoundTrip(t *testing.T) {
	alice, bob := newPair(t, 10)

	newAlice, header, ct, err := alice.Encrypt([]byte("hello bob"), nil)
	require.NoError(t, err)
	*alice = newAlice

	newBob, pt, err := bob.Decrypt(header, ct, nil)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))
	*bob = newBob
}

func TestDistinctCiphertextsForIdenticalPlaintext(t *testing.T) {
	alice, bob := newPair(t, 10)
	_ = bob

	newAlice1, _, ct1, err := alice.Encrypt([]byte("same message"), nil)
	require.NoError(t, err)
	newAlice2, _, ct2, err := newAlice1.Encrypt([]byte("same message"), nil)
	require.NoError(t, err)
	_ = newAlice2

	require.NotEqual(t, ct1, ct2)
}

func TestOutOfOrderDeliveryWithinMaxSkip(t *testing.T) {
	alice, bob := newPair(t, 5)

	a1, h1, c1, err := alice.Encrypt([]byte("m1"), nil)
	require.NoError(t, err)
	a2, h2, c2, err := a1.Encrypt([]byte("m2"), nil)
	require.NoError(t, err)
	_, h3, c3, err := a2.Encrypt([]byte("m3"), nil)
	require.NoError(t, err)

	b1, pt3, err := bob.Decrypt(h3, c3, nil)
	require.NoError(t, err)
	require.Equal(t, "m3", string(pt3))

	b2, pt1, err := b1.Decrypt(h1, c1, nil)
	require.NoError(t, err)
	require.Equal(t, "m1", string(pt1))

	_, pt2, err := b2.Decrypt(h2, c2, nil)
	require.NoError(t, err)
	require.Equal(t, "m2", string(pt2))
}

func TestMaxSkipExceeded(t *testing.T) {
	alice, bob := newPair(t, 2)

	session := *alice
	var lastHeader Header
	var lastCT []byte
	for i := 0; i < 5; i++ {
		next, h, ct, err := session.Encrypt([]byte("msg"), nil)
		require.NoError(t, err)
		session = next
		lastHeader = h
		lastCT = ct
	}

	_, _, err := bob.Decrypt(lastHeader, lastCT, nil)
	require.ErrorIs(t, err, ErrMaxSkipExceeded)
}

func TestAADTamperFailsDecryption(t *testing.T) {
	alice, bob := newPair(t, 5)
	newAlice, header, ct, err := alice.Encrypt([]byte("hello"), []byte("aad-1"))
	require.NoError(t, err)
	*alice = newAlice

	_, _, err = bob.Decrypt(header, ct, []byte("aad-2"))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCiphertextTamperFailsDecryption(t *testing.T) {
	alice, bob := newPair(t, 5)
	newAlice, header, ct, err := alice.Encrypt([]byte("hello"), nil)
	require.NoError(t, err)
	*alice = newAlice
	ct[len(ct)-1] ^= 0xFF

	_, _, err = bob.Decrypt(header, ct, nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestToMapFromMapRoundTripContinuesSession(t *testing.T) {
	alice, bob := newPair(t, 5)
	newAlice, header, ct, err := alice.Encrypt([]byte("first"), nil)
	require.NoError(t, err)

	restored, err := FromMap(newAlice.ToMap())
	require.NoError(t, err)

	newBob, pt, err := bob.Decrypt(header, ct, nil)
	require.NoError(t, err)
	require.Equal(t, "first", string(pt))
	*bob = newBob

	_, _, ct2, err := restored.Encrypt([]byte("second"), nil)
	require.NoError(t, err)
	require.NotNil(t, ct2)
}

func TestBidirectionalConversation(t *testing.T) {
	alice, bob := newPair(t, 5)

	a1, h1, c1, err := alice.Encrypt([]byte("ping"), nil)
	require.NoError(t, err)
	b1, pt1, err := bob.Decrypt(h1, c1, nil)
	require.NoError(t, err)
	require.Equal(t, "ping", string(pt1))

	b2, h2, c2, err := b1.Encrypt([]byte("pong"), nil)
	require.NoError(t, err)
	_, pt2, err := a1.Decrypt(h2, c2, nil)
	require.NoError(t, err)
	require.Equal(t, "pong", string(pt2))
	_ = b2
}
